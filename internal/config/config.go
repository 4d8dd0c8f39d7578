// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Detector backends.
const (
	DetectorGRPC   = "grpc"
	DetectorWorker = "worker"
	DetectorDlib   = "dlib"
)

// Config holds everything the server needs at startup.
type Config struct {
	HTTPAddr        string
	MaxUploadBytes  int64
	CORSAllowOrigin string
	ExposeErrors    bool
	LogLevel        string

	ClassifierPath   string
	LabelEncoderPath string
	Threshold        float64

	Detector         string
	FaceAnalyzerAddr string
	WorkerCommand    []string
	WorkerCount      int
	EmbeddingDim     int
	DlibModelsDir    string

	TMDBAPIKey       string
	TMDBBaseURL      string
	TMDBImageBaseURL string
	CatalogTimeout   time.Duration
	CatalogCacheTTL  time.Duration

	DatabaseDSN string
	RedisAddr   string
	MQTTBroker  string
	MQTTTopic   string

	JWTSecret   string
	JWTAudience string
	JWTScope    string
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	modelDir := getEnv("MODEL_DIR", "./model")

	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		CORSAllowOrigin: getEnv("CORS_ALLOW_ORIGIN", "*"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		ClassifierPath:   getEnv("CLASSIFIER_PATH", filepath.Join(modelDir, "classifier.json")),
		LabelEncoderPath: getEnv("LABEL_ENCODER_PATH", filepath.Join(modelDir, "label_encoder.json")),

		Detector:         strings.ToLower(getEnv("DETECTOR", DetectorGRPC)),
		FaceAnalyzerAddr: getEnv("FACE_ANALYZER_ADDR", "face-analyzer:50051"),
		WorkerCommand:    strings.Fields(getEnv("WORKER_COMMAND", "python3 -u python/embed_worker.py")),
		DlibModelsDir:    getEnv("DLIB_MODELS_DIR", "./models"),

		TMDBAPIKey:       os.Getenv("TMDB_API_KEY"),
		TMDBBaseURL:      getEnv("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
		TMDBImageBaseURL: getEnv("TMDB_IMAGE_BASE_URL", "https://image.tmdb.org/t/p/w500"),

		DatabaseDSN: os.Getenv("DATABASE_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		MQTTBroker:  os.Getenv("MQTT_BROKER"),
		MQTTTopic:   getEnv("MQTT_TOPIC", "faceid/identifications"),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),
	}

	// An explicitly empty JWT_SCOPE disables the scope requirement.
	cfg.JWTScope = "faceid:operator"
	if scope, ok := os.LookupEnv("JWT_SCOPE"); ok {
		cfg.JWTScope = strings.TrimSpace(scope)
	}

	var err error
	if cfg.MaxUploadBytes, err = getInt64("MAX_UPLOAD_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if cfg.ExposeErrors, err = getBool("EXPOSE_ERRORS", false); err != nil {
		return nil, err
	}
	if cfg.Threshold, err = getFloat("CONFIDENCE_THRESHOLD", 65.0); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = getInt("WORKER_COUNT", 1); err != nil {
		return nil, err
	}
	if cfg.EmbeddingDim, err = getInt("EMBEDDING_DIM", 512); err != nil {
		return nil, err
	}
	if cfg.CatalogTimeout, err = getDuration("CATALOG_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.CatalogCacheTTL, err = getDuration("CATALOG_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Detector {
	case DetectorGRPC:
		if c.FaceAnalyzerAddr == "" {
			return fmt.Errorf("config: FACE_ANALYZER_ADDR is required for the %s detector", c.Detector)
		}
	case DetectorWorker:
		if len(c.WorkerCommand) == 0 {
			return fmt.Errorf("config: WORKER_COMMAND is required for the %s detector", c.Detector)
		}
		if c.WorkerCount < 1 {
			return fmt.Errorf("config: WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
		}
	case DetectorDlib:
	default:
		return fmt.Errorf("config: unknown DETECTOR %q", c.Detector)
	}
	if c.Threshold < 0 || c.Threshold > 100 {
		return fmt.Errorf("config: CONFIDENCE_THRESHOLD must be within [0,100], got %v", c.Threshold)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("config: EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}
