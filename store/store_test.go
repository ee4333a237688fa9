package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-robolink/link"
	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/manager"
	"github.com/arloliu/go-robolink/robot"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data", "devices.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, path
}

func TestStoreCRUD(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s, _ := openTemp(t)

	devs, err := s.List(ctx)
	require.NoError(err)
	require.Empty(devs)

	kuka := robot.Device{ID: "KUKA-1", Brand: robot.KUKA, Address: robot.Address{Host: "192.168.1.10", Port: 7000}}
	cnc := robot.Device{ID: "CNC-1", Brand: robot.CNC, Address: robot.Address{Host: "192.168.1.40", Port: 6000}, Pipelining: true}
	require.NoError(s.Save(ctx, kuka))
	require.NoError(s.Save(ctx, cnc))

	devs, err = s.List(ctx)
	require.NoError(err)
	require.Equal([]robot.Device{cnc, kuka}, devs)

	// save replaces
	kuka.Address.Port = 7100
	require.NoError(s.Save(ctx, kuka))
	got, err := s.Get(ctx, "KUKA-1")
	require.NoError(err)
	require.Equal(kuka, got)

	require.NoError(s.Delete(ctx, "KUKA-1"))
	require.NoError(s.Delete(ctx, "KUKA-1"))
	_, err = s.Get(ctx, "KUKA-1")
	require.ErrorIs(err, robot.ErrUnknownDevice)

	devs, err = s.List(ctx)
	require.NoError(err)
	require.Equal([]robot.Device{cnc}, devs)
}

func TestStoreRejectsInvalidDevice(t *testing.T) {
	s, _ := openTemp(t)

	err := s.Save(context.Background(), robot.Device{ID: "X", Brand: robot.ABB})
	require.ErrorIs(t, err, robot.ErrInvalidDevice)
}

func TestStorePersists(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "devices.db")
	s, err := Open(path)
	require.NoError(err)

	abb := robot.Device{ID: "ABB-1", Brand: robot.ABB, Address: robot.Address{Host: "192.168.1.20", Port: 9000}}
	require.NoError(s.Save(ctx, abb))
	require.NoError(s.Close())

	s, err = Open(path)
	require.NoError(err)
	defer s.Close()

	devs, err := s.List(ctx)
	require.NoError(err)
	require.Equal([]robot.Device{abb}, devs)
}

func TestStoreMemory(t *testing.T) {
	require := require.New(t)

	s, err := Open(":memory:", WithLogger(logger.GetLogger()))
	require.NoError(err)
	defer s.Close()

	dev := robot.Device{ID: "RDK-1", Brand: robot.RoboDK, Address: robot.Address{Host: "localhost", Port: 5000}}
	require.NoError(s.Save(context.Background(), dev))

	devs, err := s.List(context.Background())
	require.NoError(err)
	require.Equal([]robot.Device{dev}, devs)
}

func TestStoreCanceledContext(t *testing.T) {
	s, _ := openTemp(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.List(ctx)
	require.Error(t, err)
}

func TestStoreAsInventory(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s, _ := openTemp(t)

	newManager := func() *manager.Manager {
		m, err := manager.NewManager(ctx,
			manager.WithInventory(s),
			manager.WithShutdownTimeout(time.Second),
			manager.WithLinkOptions(link.WithAutoReconnect(false)),
		)
		require.NoError(err)
		t.Cleanup(func() { _ = m.ShutdownAll(ctx) })

		return m
	}

	m := newManager()
	require.NoError(m.RegisterDevice(ctx, robot.Device{
		ID: "FANUC-1", Brand: robot.FANUC, Address: robot.Address{Host: "192.168.1.30", Port: 8000},
	}))
	require.NoError(m.RegisterDevice(ctx, robot.Device{
		ID: "KUKA-1", Brand: robot.KUKA, Address: robot.Address{Host: "192.168.1.10", Port: 7000},
	}))
	require.NoError(m.UnregisterDevice(ctx, "KUKA-1"))
	require.NoError(m.ShutdownAll(ctx))

	restored := newManager()
	n, err := restored.Restore(ctx)
	require.NoError(err)
	require.Equal(1, n)

	infos := restored.ListConnections()
	require.Len(infos, 1)
	require.Equal("FANUC-1", infos[0].Device.ID)
	require.Equal(robot.FANUC, infos[0].Device.Brand)
}
