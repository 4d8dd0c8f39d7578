package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceid/internal/logging"
)

// ErrNotFound is returned when no log matches a lookup.
var ErrNotFound = errors.New("identification log not found")

// IdentificationLog represents a persisted identification request.
type IdentificationLog struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Actor        string    `gorm:"column:actor;size:255;index"`
	Confidence   float64   `gorm:"column:confidence"`
	Accepted     bool      `gorm:"column:accepted"`
	FaceCount    int       `gorm:"column:face_count"`
	MediaCount   int       `gorm:"column:media_count"`
	ImageSHA1    string    `gorm:"column:image_sha1;size:40;index"`
	ImageDHash   string    `gorm:"column:image_dhash;size:32"`
	Error        string    `gorm:"column:error;type:text"`
	ProcessingMs int64     `gorm:"column:processing_ms"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (IdentificationLog) TableName() string {
	return "identification_logs"
}

// MetricsAggregation holds the raw aggregates behind the metrics summary.
type MetricsAggregation struct {
	TotalCount                 int64
	AcceptedCount              int64
	AverageConfidence          float64
	AverageProcessingLatencyMs float64
}

// Open connects to the database named by dsn. A "sqlite:" prefix selects a
// sqlite file (or ":memory:"), anything else is handed to the postgres driver.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		return gorm.Open(sqlite.Open(path), cfg)
	}
	return gorm.Open(postgres.Open(dsn), cfg)
}

// IdentificationRepository provides persistence APIs for identification logs.
type IdentificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewIdentificationRepository creates a new repository instance.
func NewIdentificationRepository(db *gorm.DB, logger *zap.Logger) *IdentificationRepository {
	return &IdentificationRepository{
		db:             db,
		logger:         logger.Named("identification_repository"),
		retryAttempts:  3,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *IdentificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&IdentificationLog{})
	})
}

// SaveLog persists an identification log entry.
func (r *IdentificationRepository) SaveLog(ctx context.Context, log *IdentificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request.
func (r *IdentificationRepository) FindByRequestID(ctx context.Context, requestID string) (*IdentificationLog, error) {
	var log IdentificationLog
	err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, logging.NewOperationError("repository.find_by_request_id", requestID, err)
	}
	return &log, nil
}

// FindByImageHash lists earlier requests for the same upload, newest first.
func (r *IdentificationRepository) FindByImageHash(ctx context.Context, sha1Hex, excludeRequestID string) ([]*IdentificationLog, error) {
	var logs []*IdentificationLog
	err := r.db.WithContext(ctx).
		Where("image_sha1 = ? AND request_id <> ?", sha1Hex, excludeRequestID).
		Order("created_at DESC").
		Find(&logs).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.find_by_image_hash", excludeRequestID, err)
	}
	return logs, nil
}

// AggregateMetrics computes totals and averages over every log.
func (r *IdentificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount        int64
		AcceptedCount     int64
		AverageConfidence float64
		AverageLatency    float64
	}
	err := r.db.WithContext(ctx).
		Model(&IdentificationLog{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN accepted THEN 1 ELSE 0 END), 0) AS accepted_count,
			COALESCE(AVG(confidence), 0) AS average_confidence,
			COALESCE(AVG(processing_ms), 0) AS average_latency`).
		Scan(&row).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	return &MetricsAggregation{
		TotalCount:                 row.TotalCount,
		AcceptedCount:              row.AcceptedCount,
		AverageConfidence:          row.AverageConfidence,
		AverageProcessingLatencyMs: row.AverageLatency,
	}, nil
}

func (r *IdentificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
