//go:build dlib

package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/andresmejia3/faceengine/internal/config"
	"github.com/andresmejia3/faceengine/internal/dlib"
	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/worker"
)

func newBackend(cfg *config.Config, log *zap.Logger) (native.Backend, error) {
	switch cfg.Backend.Kind {
	case "worker":
		return worker.NewBackend(worker.Command(cfg.Backend.Command, cfg.Backend.Args...), log), nil
	case "dlib":
		return dlib.New(cfg.Backend.ModelDir, log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}
}
