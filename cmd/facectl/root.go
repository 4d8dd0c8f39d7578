package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/faceid/internal/bootstrap"
	"github.com/example/faceid/internal/classifier"
	"github.com/example/faceid/internal/config"
	"github.com/example/faceid/internal/embedding"
	"github.com/example/faceid/internal/logging"
)

// Version is the CLI version.
const Version = "0.1.0"

var (
	logger *zap.Logger

	logLevel  string
	modelDir  string
	detector  bootstrap.DetectorSettings
	workerCmd string
)

var rootCmd = &cobra.Command{
	Use:           "facectl",
	Short:         "Train and inspect face identification models",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.NewLogger(logLevel)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		detector.WorkerCommand = strings.Fields(workerCmd)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync() //nolint:errcheck
		}
	},
}

// Execute runs the root command with a context cancelled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")
	flags.StringVar(&modelDir, "model-dir", envOr("MODEL_DIR", "./model"), "directory holding classifier.json and label_encoder.json")
	flags.StringVar(&detector.Backend, "detector", envOr("DETECTOR", config.DetectorWorker), "face detector backend (grpc, worker, dlib)")
	flags.StringVar(&detector.FaceAnalyzerAddr, "face-analyzer-addr", envOr("FACE_ANALYZER_ADDR", "localhost:50051"), "gRPC face analyzer address")
	flags.StringVar(&workerCmd, "worker-command", envOr("WORKER_COMMAND", "python3 -u python/embed_worker.py"), "embedding engine command line")
	flags.IntVar(&detector.WorkerCount, "workers", envInt("WORKER_COUNT", 1), "number of embedding engines")
	flags.IntVar(&detector.Dimension, "embedding-dim", envInt("EMBEDDING_DIM", embedding.DefaultDimension), "embedding length produced by the detector")
	flags.StringVar(&detector.DlibModelsDir, "dlib-models", envOr("DLIB_MODELS_DIR", "./models"), "dlib model directory")
}

func openDetector(ctx context.Context) (embedding.Detector, func() error, error) {
	det, closeFn, err := bootstrap.OpenDetector(ctx, detector, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start %s detector: %w", detector.Backend, err)
	}
	return det, closeFn, nil
}

func loadPair() (*classifier.Pair, error) {
	pair, err := classifier.LoadPair(filepath.Join(modelDir, classifier.ModelFile), filepath.Join(modelDir, classifier.EncoderFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load model from %s: %w", modelDir, err)
	}
	return pair, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
