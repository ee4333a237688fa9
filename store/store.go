package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/manager"
	"github.com/arloliu/go-robolink/robot"
)

const (
	dirPermissions = 0o750
	busyTimeout    = 5 * time.Second
	pingTimeout    = 5 * time.Second
)

// DeviceRecord is the persisted form of a robot.Device.
type DeviceRecord struct {
	ID         string `gorm:"primaryKey;size:191"`
	Brand      string `gorm:"size:32;not null"`
	Host       string `gorm:"size:255;not null"`
	Port       int    `gorm:"not null"`
	Pipelining bool   `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName pins the table name.
func (DeviceRecord) TableName() string { return "devices" }

func newRecord(dev robot.Device) DeviceRecord {
	return DeviceRecord{
		ID:         dev.ID,
		Brand:      dev.Brand.String(),
		Host:       dev.Address.Host,
		Port:       dev.Address.Port,
		Pipelining: dev.Pipelining,
	}
}

// Device converts the record back to a robot.Device.
func (r DeviceRecord) Device() robot.Device {
	return robot.Device{
		ID:         r.ID,
		Brand:      robot.ParseBrand(r.Brand),
		Address:    robot.Address{Host: r.Host, Port: r.Port},
		Pipelining: r.Pipelining,
	}
}

// Store keeps the device inventory in a SQLite database.
type Store struct {
	db     *gorm.DB
	path   string
	logger logger.Logger
}

var _ manager.Inventory = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger of the store.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens or creates the database at path and migrates the schema.
// The path ":memory:" opens a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, logger: logger.GetLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store", "path", path)

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeout.Milliseconds())
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	// single writer; also keeps an in-memory database alive on one connection
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("verify device store: %w", err)
	}

	if err := db.AutoMigrate(&DeviceRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate device store: %w", err)
	}

	s.db = db
	s.logger.Debug("device store opened")

	return s, nil
}

// Save inserts dev or replaces the stored device with the same id.
func (s *Store) Save(ctx context.Context, dev robot.Device) error {
	if err := dev.Validate(); err != nil {
		return err
	}

	rec := newRecord(dev)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"brand", "host", "port", "pipelining", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save device %s: %w", dev.ID, err)
	}

	s.logger.Debug("device saved", "device_id", dev.ID)

	return nil
}

// Delete removes the device id. Deleting an absent device is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&DeviceRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete device %s: %w", id, res.Error)
	}

	s.logger.Debug("device deleted", "device_id", id, "rows", res.RowsAffected)

	return nil
}

// Get returns the stored device id. It fails with robot.ErrUnknownDevice when absent.
func (s *Store) Get(ctx context.Context, id string) (robot.Device, error) {
	var rec DeviceRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return robot.Device{}, fmt.Errorf("%w: %s", robot.ErrUnknownDevice, id)
	}
	if err != nil {
		return robot.Device{}, fmt.Errorf("get device %s: %w", id, err)
	}

	return rec.Device(), nil
}

// List returns all stored devices ordered by id.
func (s *Store) List(ctx context.Context) ([]robot.Device, error) {
	var recs []DeviceRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	devs := make([]robot.Device, 0, len(recs))
	for _, r := range recs {
		devs = append(devs, r.Device())
	}

	return devs, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
