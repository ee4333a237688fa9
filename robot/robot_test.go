package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBrand(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(KUKA, ParseBrand("kuka"))
	assert.Equal(ABB, ParseBrand(" abb "))
	assert.Equal(RoboDK, ParseBrand("ROBODK"))
	assert.Equal(Brand("Staubli"), ParseBrand("Staubli"))
	assert.True(FANUC.IsBuiltin())
	assert.False(Brand("Staubli").IsBuiltin())
	assert.Len(BuiltinBrands(), 5)
}

func TestDeviceValidate(t *testing.T) {
	tests := []struct {
		name    string
		dev     Device
		wantErr bool
	}{
		{"valid", Device{ID: "KUKA-1", Brand: KUKA, Address: Address{Host: "192.168.1.10", Port: 7000}}, false},
		{"empty id", Device{Brand: KUKA, Address: Address{Host: "192.168.1.10", Port: 7000}}, true},
		{"no brand", Device{ID: "X", Address: Address{Host: "192.168.1.10", Port: 7000}}, true},
		{"empty host", Device{ID: "X", Brand: ABB, Address: Address{Port: 9000}}, true},
		{"port zero", Device{ID: "X", Brand: ABB, Address: Address{Host: "h", Port: 0}}, true},
		{"port too large", Device{ID: "X", Brand: ABB, Address: Address{Host: "h", Port: 70000}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dev.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidDevice)
				require.ErrorIs(t, err, ErrManagement)
			} else {
				require.NoError(t, err)
			}
		})
	}

	assert.Equal(t, "192.168.1.10:7000", Address{Host: "192.168.1.10", Port: 7000}.String())
}

func TestNewCommand(t *testing.T) {
	require := require.New(t)

	payload := []byte("PTP 10,20,30")
	cmd1 := NewCommand("KUKA-1", payload)
	cmd2 := NewCommand("KUKA-1", payload)

	require.NotEmpty(cmd1.CorrelationID)
	require.NotEqual(cmd1.CorrelationID, cmd2.CorrelationID)
	require.False(cmd1.IssuedAt.IsZero())

	// the command owns its payload
	payload[0] = 'X'
	require.Equal("PTP 10,20,30", string(cmd1.Payload))
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		err      error
		category error
	}{
		{ErrConnectTimeout, ErrConnection},
		{ErrConnectRefused, ErrConnection},
		{ErrTransportClosed, ErrConnection},
		{ErrConnectionBusy, ErrConnection},
		{ErrNotConnected, ErrConnection},
		{ErrEncode, ErrProtocol},
		{ErrDecode, ErrProtocol},
		{ErrUnknownBrand, ErrProtocol},
		{ErrUnrecoverableStream, ErrProtocol},
		{ErrCommandTimeout, ErrCommand},
		{ErrConnectionFailed, ErrCommand},
		{ErrConnectionClosing, ErrCommand},
		{ErrCommandRejected, ErrCommand},
		{ErrDuplicateDevice, ErrManagement},
		{ErrUnknownDevice, ErrManagement},
		{ErrDuplicateBrand, ErrManagement},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("device KUKA-1: %w", tt.err)
			require.ErrorIs(t, wrapped, tt.err)
			require.ErrorIs(t, wrapped, tt.category)
			require.Equal(t, tt.category, Category(wrapped))
		})
	}

	require.Nil(t, Category(errors.New("other")))
}

func TestFuture(t *testing.T) {
	t.Run("complete once", func(t *testing.T) {
		require := require.New(t)

		f := NewFuture("c1")
		_, done := f.Outcome()
		require.False(done)

		require.True(f.Complete(Outcome{Payload: []byte("ok")}))
		require.False(f.Fail(ErrCommandTimeout))

		o, done := f.Outcome()
		require.True(done)
		require.True(o.Ok())
		require.Equal("c1", o.CorrelationID)
		require.Equal("ok", string(o.Payload))
		require.False(o.CompletedAt.IsZero())
	})

	t.Run("wait", func(t *testing.T) {
		require := require.New(t)

		f := NewFuture("c2")
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.Fail(ErrCommandRejected)
		}()

		o, err := f.Wait(context.Background())
		require.NoError(err)
		require.ErrorIs(o.Err, ErrCommandRejected)
	})

	t.Run("wait context done", func(t *testing.T) {
		require := require.New(t)

		f := NewFuture("c3")
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := f.Wait(ctx)
		require.ErrorIs(err, context.DeadlineExceeded)
	})

	t.Run("callbacks", func(t *testing.T) {
		require := require.New(t)

		f := NewFuture("c4")
		var wg sync.WaitGroup
		wg.Add(2)
		f.OnComplete(func(o Outcome) {
			require.Equal("c4", o.CorrelationID)
			wg.Done()
		})
		f.Complete(Outcome{})
		f.OnComplete(func(o Outcome) { wg.Done() })
		wg.Wait()
	})
}
