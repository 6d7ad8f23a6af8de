package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/ports"
)

const outputBatchSize = 100

type Repository struct {
	db *gorm.DB
}

var _ ports.Store = (*Repository)(nil)

// Open connects to postgres and migrates the scanner tables.
func Open(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return NewRepository(db)
}

// NewRepository wraps an open gorm handle of any dialect.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(
		&domain.TargetHost{},
		&domain.JobDefinition{},
		&domain.JobRun{},
		&domain.JobOutputLine{},
		&domain.RawResult{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

// Rootbox methods
func (r *Repository) ListActiveTargetHosts(ctx context.Context, names []string) ([]*domain.TargetHost, error) {
	var hosts []*domain.TargetHost
	q := r.db.WithContext(ctx).Where("active = ?", true)
	if len(names) > 0 {
		q = q.Where("name IN ?", names)
	}
	if err := q.Order("name").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

func (r *Repository) GetTargetHostByName(ctx context.Context, name string) (*domain.TargetHost, error) {
	var host domain.TargetHost
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&host).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ports.ErrUnknownRootbox, name)
		}
		return nil, err
	}
	return &host, nil
}

func (r *Repository) ListTargetHosts(ctx context.Context) ([]*domain.TargetHost, error) {
	var hosts []*domain.TargetHost
	if err := r.db.WithContext(ctx).Order("name").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// Scanner methods
func (r *Repository) GetJobDefinition(ctx context.Context, id uint) (*domain.JobDefinition, error) {
	var job domain.JobDefinition
	if err := r.db.WithContext(ctx).Preload("TargetHost").First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *Repository) GetJobDefinitionByName(ctx context.Context, name string) (*domain.JobDefinition, error) {
	var job domain.JobDefinition
	if err := r.db.WithContext(ctx).Preload("TargetHost").Where("scanner_name = ?", name).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ports.ErrUnknownScanner, name)
		}
		return nil, err
	}
	return &job, nil
}

func (r *Repository) ListContinuous(ctx context.Context, rootbox string) ([]*domain.JobDefinition, error) {
	var jobs []*domain.JobDefinition
	q := r.db.WithContext(ctx).Preload("TargetHost").Where("scanners.continous_running = ?", true)
	if rootbox != "" {
		q = q.Joins("JOIN rootboxes ON rootboxes.id = scanners.rootbox_id").Where("rootboxes.name = ?", rootbox)
	}
	if err := q.Order("scanners.id").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *Repository) ListJobDefinitions(ctx context.Context) ([]*domain.JobDefinition, error) {
	var jobs []*domain.JobDefinition
	if err := r.db.WithContext(ctx).Preload("TargetHost").Order("scanner_name").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Scan log methods
func (r *Repository) UpsertJobRun(ctx context.Context, run *domain.JobRun) (bool, error) {
	db := r.db.WithContext(ctx)

	var existing int64
	if err := db.Model(&domain.JobRun{}).Where("name = ?", run.Name).Count(&existing).Error; err != nil {
		return false, err
	}

	now := time.Now().UTC()
	run.LastSeen = now
	if run.FirstSeen.IsZero() {
		run.FirstSeen = now
	}
	row := *run
	row.ID = 0
	row.JobDefinition = nil
	row.TargetHost = nil
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"scanner_id", "rootbox_id", "state", "last_seen"}),
	}).Create(&row).Error
	if err != nil {
		return false, err
	}

	if err := db.Where("name = ?", run.Name).First(run).Error; err != nil {
		return false, err
	}
	return existing == 0, nil
}

func (r *Repository) SetExitCode(ctx context.Context, runID uint, code int) error {
	return r.db.WithContext(ctx).Model(&domain.JobRun{}).Where("id = ?", runID).
		Update("exit_code", code).Error
}

// Output methods
func (r *Repository) LastOutputTimestamp(ctx context.Context, runID uint) (time.Time, bool, error) {
	var line domain.JobOutputLine
	err := r.db.WithContext(ctx).Where("log_id = ?", runID).Order("timestamp desc").Limit(1).Find(&line).Error
	if err != nil {
		return time.Time{}, false, err
	}
	if line.ID == 0 {
		return time.Time{}, false, nil
	}
	return line.Timestamp.UTC(), true, nil
}

func (r *Repository) BulkInsertOutput(ctx context.Context, lines []*domain.JobOutputLine) error {
	if len(lines) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(lines, outputBatchSize).Error
}

// Result methods
func (r *Repository) CreateRawResult(ctx context.Context, result *domain.RawResult) error {
	return r.db.WithContext(ctx).Create(result).Error
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}
