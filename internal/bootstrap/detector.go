// Package bootstrap builds the collaborators shared by the server and the CLI.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/faceid/internal/config"
	"github.com/example/faceid/internal/embedding"
	"github.com/example/faceid/internal/grpcclient"
	"github.com/example/faceid/internal/worker"
)

// DetectorSettings selects and configures a detector backend.
type DetectorSettings struct {
	Backend          string
	FaceAnalyzerAddr string
	WorkerCommand    []string
	WorkerCount      int
	Dimension        int
	DlibModelsDir    string
}

// SettingsFromConfig extracts the detector settings from the service config.
func SettingsFromConfig(cfg *config.Config) DetectorSettings {
	return DetectorSettings{
		Backend:          cfg.Detector,
		FaceAnalyzerAddr: cfg.FaceAnalyzerAddr,
		WorkerCommand:    cfg.WorkerCommand,
		WorkerCount:      cfg.WorkerCount,
		Dimension:        cfg.EmbeddingDim,
		DlibModelsDir:    cfg.DlibModelsDir,
	}
}

// ExpectedDimension is the embedding length the selected backend produces.
func (s DetectorSettings) ExpectedDimension() int {
	if s.Backend == config.DetectorDlib {
		return embedding.DlibDimension
	}
	return s.Dimension
}

// OpenDetector starts the configured backend. The returned function releases it.
func OpenDetector(ctx context.Context, s DetectorSettings, logger *zap.Logger) (embedding.Detector, func() error, error) {
	switch s.Backend {
	case config.DetectorGRPC:
		analyzer, conn, err := grpcclient.DialFaceAnalyzer(ctx, s.FaceAnalyzerAddr, s.Dimension, logger)
		if err != nil {
			return nil, nil, err
		}
		return analyzer, conn.Close, nil
	case config.DetectorWorker:
		pool, err := worker.NewPool(s.WorkerCommand, s.WorkerCount, s.Dimension, logger)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Close, nil
	case config.DetectorDlib:
		det, err := embedding.NewDlibDetector(s.DlibModelsDir)
		if err != nil {
			return nil, nil, err
		}
		return det, det.Close, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown detector backend %q", s.Backend)
	}
}
