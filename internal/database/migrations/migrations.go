// Package migrations versions the downloadarr schema. Each migration runs in
// its own transaction and is recorded in schema_migrations.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"
)

// ErrUnknownVersion is returned when a target version is not registered.
var ErrUnknownVersion = errors.New("unknown migration version")

// Migration is one schema change. Down may be nil for changes that cannot
// be reverted.
type Migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
	Down        func(tx *gorm.DB) error
}

// MigrationRecord is a row in schema_migrations.
type MigrationRecord struct {
	ID          uint      `gorm:"primarykey"`
	Version     string    `gorm:"uniqueIndex;not null"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for migration records.
func (MigrationRecord) TableName() string {
	return "schema_migrations"
}

// MigrationStatus reports whether a registered migration has been applied.
type MigrationStatus struct {
	Version     string
	Description string
	Applied     bool
	AppliedAt   *time.Time
}

// Migrator applies and reverts registered migrations.
type Migrator struct {
	db         *gorm.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrator creates a migrator. A nil logger uses slog.Default.
func NewMigrator(db *gorm.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger}
}

// RegisterAll adds migrations to the registry, keeping it ordered by version.
func (m *Migrator) RegisterAll(migrations []Migration) {
	m.migrations = append(m.migrations, migrations...)
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

// Init creates schema_migrations if it doesn't exist.
func (m *Migrator) Init(ctx context.Context) error {
	if err := m.db.WithContext(ctx).AutoMigrate(&MigrationRecord{}); err != nil {
		return fmt.Errorf("initializing migrations table: %w", err)
	}
	return nil
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	return m.UpTo(ctx, "")
}

// UpTo applies pending migrations up to and including target. An empty
// target applies all of them.
func (m *Migrator) UpTo(ctx context.Context, target string) error {
	if target != "" && m.find(target) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownVersion, target)
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}

	for _, migration := range pending {
		if target != "" && migration.Version > target {
			break
		}
		m.logger.InfoContext(ctx, "applying migration",
			slog.String("version", migration.Version),
			slog.String("description", migration.Description),
		)
		if err := m.apply(ctx, migration); err != nil {
			return fmt.Errorf("applying migration %s: %w", migration.Version, err)
		}
	}
	return nil
}

// Down reverts the most recently applied migration. It is a no-op when
// nothing is applied.
func (m *Migrator) Down(ctx context.Context) error {
	applied, err := m.appliedDescending(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		m.logger.InfoContext(ctx, "no migrations to roll back")
		return nil
	}
	return m.revert(ctx, applied[0])
}

// DownTo reverts applied migrations newer than target, newest first. The
// target itself stays applied. An empty target reverts everything.
func (m *Migrator) DownTo(ctx context.Context, target string) error {
	if target != "" && m.find(target) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownVersion, target)
	}

	applied, err := m.appliedDescending(ctx)
	if err != nil {
		return err
	}
	for _, record := range applied {
		if target != "" && record.Version <= target {
			break
		}
		if err := m.revert(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// Status lists every registered migration in version order.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.appliedRecords(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, migration := range m.migrations {
		status := MigrationStatus{Version: migration.Version, Description: migration.Description}
		if record, ok := applied[migration.Version]; ok {
			status.Applied = true
			status.AppliedAt = &record.AppliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Pending returns the migrations not yet applied, in version order.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := m.appliedRecords(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]Migration, 0, len(m.migrations))
	for _, migration := range m.migrations {
		if _, ok := applied[migration.Version]; !ok {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

func (m *Migrator) find(version string) *Migration {
	for i := range m.migrations {
		if m.migrations[i].Version == version {
			return &m.migrations[i]
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := migration.Up(tx); err != nil {
			return err
		}
		return tx.Create(&MigrationRecord{
			Version:     migration.Version,
			Description: migration.Description,
			AppliedAt:   time.Now().UTC(),
		}).Error
	})
}

func (m *Migrator) revert(ctx context.Context, record MigrationRecord) error {
	migration := m.find(record.Version)
	if migration == nil {
		return fmt.Errorf("rolling back %s: %w", record.Version, ErrUnknownVersion)
	}
	if migration.Down == nil {
		return fmt.Errorf("migration %s cannot be rolled back", record.Version)
	}

	m.logger.InfoContext(ctx, "rolling back migration",
		slog.String("version", migration.Version),
		slog.String("description", migration.Description),
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := migration.Down(tx); err != nil {
			return err
		}
		return tx.Where("version = ?", migration.Version).Delete(&MigrationRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("rolling back migration %s: %w", migration.Version, err)
	}
	return nil
}

// appliedRecords returns applied migration records keyed by version.
func (m *Migrator) appliedRecords(ctx context.Context) (map[string]MigrationRecord, error) {
	records, err := m.appliedDescending(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]MigrationRecord, len(records))
	for _, record := range records {
		applied[record.Version] = record
	}
	return applied, nil
}

func (m *Migrator) appliedDescending(ctx context.Context) ([]MigrationRecord, error) {
	if err := m.Init(ctx); err != nil {
		return nil, err
	}
	var records []MigrationRecord
	if err := m.db.WithContext(ctx).Order("version DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	return records, nil
}
