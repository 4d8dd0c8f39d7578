package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceid/internal/auth"
	"github.com/example/faceid/internal/bootstrap"
	"github.com/example/faceid/internal/cache"
	"github.com/example/faceid/internal/catalog"
	"github.com/example/faceid/internal/classifier"
	"github.com/example/faceid/internal/config"
	"github.com/example/faceid/internal/events"
	"github.com/example/faceid/internal/gate"
	"github.com/example/faceid/internal/handlers"
	"github.com/example/faceid/internal/logging"
	"github.com/example/faceid/internal/repository"
	"github.com/example/faceid/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pair, err := classifier.LoadPair(cfg.ClassifierPath, cfg.LabelEncoderPath)
	if err != nil {
		logger.Fatal("failed to load classifier artifacts",
			zap.Error(err),
			zap.String("classifier", cfg.ClassifierPath),
			zap.String("label_encoder", cfg.LabelEncoderPath))
	}
	settings := bootstrap.SettingsFromConfig(cfg)
	if want := settings.ExpectedDimension(); pair.Dimension() != want {
		logger.Fatal("classifier dimension does not match detector",
			zap.Int("classifier", pair.Dimension()), zap.Int("detector", want), zap.String("backend", cfg.Detector))
	}
	logger.Info("classifier loaded", zap.String("pair_id", pair.ID()), zap.Int("classes", len(pair.Labels())))

	detector, closeDetector, err := bootstrap.OpenDetector(ctx, settings, logger)
	if err != nil {
		logger.Fatal("failed to start face detector", zap.Error(err), zap.String("backend", cfg.Detector))
	}
	defer closeDetector() //nolint:errcheck

	var opts []usecase.Option
	opts = append(opts, usecase.WithExposeErrors(cfg.ExposeErrors))

	if cfg.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		repo := repository.NewIdentificationRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts = append(opts, usecase.WithRepository(repo))
	}

	var resultCache cache.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		resultCache = cache.NewRetrying(cache.NewRedisCache(redisClient), logger)
		opts = append(opts, usecase.WithCache(resultCache, 10*time.Minute))
	}

	if cfg.MQTTBroker != "" {
		notifier, disconnect, err := events.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTTopic, logger)
		if err != nil {
			logger.Fatal("failed to connect to mqtt broker", zap.Error(err))
		}
		defer disconnect()
		opts = append(opts, usecase.WithNotifier(notifier))
	}

	enricher := catalog.New(catalog.Config{
		BaseURL:      cfg.TMDBBaseURL,
		ImageBaseURL: cfg.TMDBImageBaseURL,
		APIKey:       cfg.TMDBAPIKey,
		Timeout:      cfg.CatalogTimeout,
		CacheTTL:     cfg.CatalogCacheTTL,
		Cache:        resultCache,
		Logger:       logger,
	})
	if cfg.TMDBAPIKey == "" {
		logger.Warn("TMDB_API_KEY not set, identifications will carry no credits")
	}

	uc := usecase.NewIdentificationUseCase(detector, pair, gate.New(cfg.Threshold), enricher, logger, opts...)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger), handlers.CORS(cfg.CORSAllowOrigin))
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, operator endpoints are unauthenticated")
	}
	handlers.RegisterRoutes(r, uc, cfg.MaxUploadBytes, auth.Protect(cfg.JWTSecret, cfg.JWTAudience, cfg.JWTScope))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face identification API listening", zap.String("addr", cfg.HTTPAddr), zap.String("detector", cfg.Detector))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := repository.Open(dsn)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
