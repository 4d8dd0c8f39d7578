package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceid/internal/cache"
	"github.com/example/faceid/internal/catalog"
	"github.com/example/faceid/internal/classifier"
	"github.com/example/faceid/internal/embedding"
	"github.com/example/faceid/internal/events"
	"github.com/example/faceid/internal/gate"
	"github.com/example/faceid/internal/imaging"
	"github.com/example/faceid/internal/logging"
	"github.com/example/faceid/internal/repository"
)

// UnknownActor is reported whenever no identity is accepted.
const UnknownActor = "Unknown"

// DefaultRecordTimeout bounds persistence, caching and publishing for one request.
const DefaultRecordTimeout = 3 * time.Second

var (
	// ErrResultNotFound is returned when a request id is neither cached nor persisted.
	ErrResultNotFound = errors.New("identification result not found")
	// ErrNoRepository is returned by queries that need persistence when none is configured.
	ErrNoRepository = errors.New("identification repository not configured")
)

// IdentityClassifier maps an embedding to a class index and the index to a label.
type IdentityClassifier interface {
	Classify(embedding []float64) (classifier.Prediction, error)
	Decode(index int) (string, error)
}

// Enricher returns the titles a person appears in. It never fails.
type Enricher interface {
	Enrich(ctx context.Context, label string) []catalog.MediaItem
}

// IdentificationRepository defines the persistence operations needed by the use case.
type IdentificationRepository interface {
	SaveLog(ctx context.Context, log *repository.IdentificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.IdentificationLog, error)
	FindByImageHash(ctx context.Context, sha1Hex, excludeRequestID string) ([]*repository.IdentificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Result is the response for one identification.
type Result struct {
	Actor      string              `json:"actor"`
	Movies     []catalog.MediaItem `json:"movies"`
	Confidence float64             `json:"confidence"`
	Error      string              `json:"error,omitempty"`
}

// StoredResult is what GetResult returns for a past request.
type StoredResult struct {
	RequestID    string              `json:"request_id"`
	Actor        string              `json:"actor"`
	Confidence   float64             `json:"confidence"`
	Accepted     bool                `json:"accepted"`
	FaceCount    int                 `json:"face_count"`
	MediaCount   int                 `json:"media_count"`
	Movies       []catalog.MediaItem `json:"movies,omitempty"`
	ImageSHA1    string              `json:"image_sha1,omitempty"`
	Error        string              `json:"error,omitempty"`
	ProcessingMs int64               `json:"processing_ms"`
	CreatedAt    time.Time           `json:"created_at"`
}

// DuplicateReport lists earlier requests that uploaded the same image.
type DuplicateReport struct {
	Request    *StoredResult   `json:"request"`
	Duplicates []*StoredResult `json:"duplicates"`
}

// Option configures optional collaborators.
type Option func(*IdentificationUseCase)

// WithRepository persists every identification.
func WithRepository(repo IdentificationRepository) Option {
	return func(uc *IdentificationUseCase) { uc.repo = repo }
}

// WithCache caches every identification by request id for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(uc *IdentificationUseCase) {
		uc.cache = c
		uc.resultTTL = ttl
	}
}

// WithNotifier publishes an event for every identification.
func WithNotifier(n events.Notifier) Option {
	return func(uc *IdentificationUseCase) { uc.notifier = n }
}

// WithFaceSelector overrides which detected face is identified.
func WithFaceSelector(s embedding.FaceSelector) Option {
	return func(uc *IdentificationUseCase) { uc.selectFace = s }
}

// WithRecordTimeout bounds the time spent recording an outcome.
func WithRecordTimeout(d time.Duration) Option {
	return func(uc *IdentificationUseCase) {
		if d > 0 {
			uc.recordTimeout = d
		}
	}
}

// WithExposeErrors includes internal error messages in results.
func WithExposeErrors(expose bool) Option {
	return func(uc *IdentificationUseCase) { uc.exposeErrors = expose }
}

// IdentificationUseCase encapsulates business logic for the identification flow.
type IdentificationUseCase struct {
	detector   embedding.Detector
	classifier IdentityClassifier
	gate       gate.Gate
	enricher   Enricher
	selectFace embedding.FaceSelector
	logger     *zap.Logger

	repo          IdentificationRepository
	cache         cache.Cache
	resultTTL     time.Duration
	notifier      events.Notifier
	recordTimeout time.Duration
	exposeErrors  bool
}

// NewIdentificationUseCase constructs a new use case instance.
func NewIdentificationUseCase(detector embedding.Detector, clf IdentityClassifier, g gate.Gate, enricher Enricher, logger *zap.Logger, opts ...Option) *IdentificationUseCase {
	uc := &IdentificationUseCase{
		detector:      detector,
		classifier:    clf,
		gate:          g,
		enricher:      enricher,
		selectFace:    embedding.FirstFace,
		logger:        logger.Named("identification_usecase"),
		resultTTL:     10 * time.Minute,
		notifier:      events.Nop{},
		recordTimeout: DefaultRecordTimeout,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// trace carries what the pipeline observed, for logging and persistence.
type trace struct {
	img      image.Image
	faces    int
	accepted bool
	err      error
}

// Identify runs decode, detect, classify, gate and enrich. It always returns
// a well-formed result; failures degrade to the unknown outcome.
func (uc *IdentificationUseCase) Identify(ctx context.Context, imageBytes []byte) (string, Result) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.identify", requestID)
	start := time.Now()

	result, tr := uc.identify(ctx, imageBytes)
	elapsed := time.Since(start)

	if tr.err != nil {
		wrapped := logging.NewOperationError(logging.OperationOf(tr.err), requestID, tr.err)
		opLogger.Error("identification failed", zap.Error(wrapped))
		if uc.exposeErrors {
			result.Error = tr.err.Error()
		}
	}
	opLogger.Info("identification completed",
		zap.String("actor", result.Actor),
		zap.Float64("confidence", result.Confidence),
		zap.Int("faces", tr.faces),
		zap.Int("media", len(result.Movies)),
		zap.Duration("elapsed", elapsed))

	uc.record(ctx, requestID, imageBytes, result, tr, elapsed)
	return requestID, result
}

func (uc *IdentificationUseCase) identify(ctx context.Context, imageBytes []byte) (result Result, tr trace) {
	defer func() {
		if r := recover(); r != nil {
			result = unknown(0)
			tr.accepted = false
			tr.err = logging.NewOperationError("usecase.panic", "", fmt.Errorf("panic: %v", r))
		}
	}()

	img, err := imaging.Decode(imageBytes)
	if err != nil {
		uc.logger.Debug("upload could not be decoded, treating as no face", zap.Error(err))
		return unknown(0), tr
	}
	tr.img = img

	faces, err := uc.detector.Detect(ctx, img)
	if err != nil {
		tr.err = logging.NewOperationError("usecase.detect", "", err)
		return unknown(0), tr
	}
	tr.faces = len(faces)
	if len(faces) == 0 {
		return unknown(0), tr
	}

	face := uc.selectFace(faces)
	prediction, err := uc.classifier.Classify(embedding.Float64(face.Embedding))
	if err != nil {
		tr.err = logging.NewOperationError("usecase.classify", "", err)
		return unknown(0), tr
	}

	// The gate sees the raw confidence; only the reported value is rounded.
	if !uc.gate.Accept(prediction.Confidence) {
		return unknown(gate.Round2(prediction.Confidence)), tr
	}

	label, err := uc.classifier.Decode(prediction.Index)
	if err != nil {
		tr.err = logging.NewOperationError("usecase.decode_label", "", err)
		return unknown(0), tr
	}
	tr.accepted = true

	media := uc.enricher.Enrich(ctx, label)
	if media == nil {
		media = []catalog.MediaItem{}
	}
	return Result{Actor: label, Movies: media, Confidence: gate.Round2(prediction.Confidence)}, tr
}

func unknown(confidence float64) Result {
	return Result{Actor: UnknownActor, Movies: []catalog.MediaItem{}, Confidence: confidence}
}

// record persists, caches and publishes the outcome. None of it affects the
// response, and it outlives a cancelled request for at most recordTimeout.
func (uc *IdentificationUseCase) record(reqCtx context.Context, requestID string, imageBytes []byte, result Result, tr trace, elapsed time.Duration) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", requestID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), uc.recordTimeout)
	defer cancel()

	sum := sha1.Sum(imageBytes)
	stored := &StoredResult{
		RequestID:    requestID,
		Actor:        result.Actor,
		Confidence:   result.Confidence,
		Accepted:     tr.accepted,
		FaceCount:    tr.faces,
		MediaCount:   len(result.Movies),
		Movies:       result.Movies,
		ImageSHA1:    hex.EncodeToString(sum[:]),
		ProcessingMs: elapsed.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if tr.err != nil {
		stored.Error = tr.err.Error()
	}

	if uc.repo != nil {
		log := &repository.IdentificationLog{
			RequestID:    requestID,
			Actor:        stored.Actor,
			Confidence:   stored.Confidence,
			Accepted:     stored.Accepted,
			FaceCount:    stored.FaceCount,
			MediaCount:   stored.MediaCount,
			ImageSHA1:    stored.ImageSHA1,
			Error:        stored.Error,
			ProcessingMs: stored.ProcessingMs,
			CreatedAt:    stored.CreatedAt,
		}
		if tr.img != nil {
			if hash, err := imaging.DHash(tr.img); err == nil {
				log.ImageDHash = hash.ToString()
			}
		}
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist identification log", zap.Error(err))
		}
	}

	if uc.cache != nil {
		if serialized, err := json.Marshal(stored); err != nil {
			opLogger.Error("failed to serialize identification result", zap.Error(err))
		} else if err := uc.cache.Set(ctx, resultKey(requestID), string(serialized), uc.resultTTL); err != nil {
			opLogger.Error("failed to cache identification result", zap.Error(err))
		}
	}

	event := events.Identification{
		RequestID:  requestID,
		Actor:      stored.Actor,
		Confidence: stored.Confidence,
		Accepted:   stored.Accepted,
		MediaCount: stored.MediaCount,
		CreatedAt:  stored.CreatedAt,
	}
	if err := uc.notifier.Notify(ctx, event); err != nil {
		opLogger.Warn("failed to publish identification event", zap.Error(err))
	}
}

func resultKey(requestID string) string {
	return fmt.Sprintf("identification:%s", requestID)
}

// GetResult retrieves a cached identification or loads it from persistence.
func (uc *IdentificationUseCase) GetResult(ctx context.Context, requestID string) (*StoredResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.cache.Get(ctx, resultKey(requestID))
		switch {
		case err == nil:
			var stored StoredResult
			if err := json.Unmarshal([]byte(cached), &stored); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else {
				return uc.redact(&stored), nil
			}
		case !cache.IsMiss(err):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return uc.redact(fromLog(log)), nil
}

// GetDuplicateReport lists earlier requests that uploaded the same bytes.
func (uc *IdentificationUseCase) GetDuplicateReport(ctx context.Context, requestID string) (*DuplicateReport, error) {
	if uc.repo == nil {
		return nil, ErrNoRepository
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindByImageHash(ctx, log.ImageSHA1, log.RequestID)
	if err != nil {
		return nil, err
	}
	report := &DuplicateReport{Request: uc.redact(fromLog(log)), Duplicates: make([]*StoredResult, 0, len(duplicates))}
	for _, d := range duplicates {
		report.Duplicates = append(report.Duplicates, uc.redact(fromLog(d)))
	}
	return report, nil
}

func (uc *IdentificationUseCase) redact(r *StoredResult) *StoredResult {
	if !uc.exposeErrors {
		r.Error = ""
	}
	return r
}

func fromLog(log *repository.IdentificationLog) *StoredResult {
	return &StoredResult{
		RequestID:    log.RequestID,
		Actor:        log.Actor,
		Confidence:   log.Confidence,
		Accepted:     log.Accepted,
		FaceCount:    log.FaceCount,
		MediaCount:   log.MediaCount,
		ImageSHA1:    log.ImageSHA1,
		Error:        log.Error,
		ProcessingMs: log.ProcessingMs,
		CreatedAt:    log.CreatedAt,
	}
}
