package main

import (
	"github.com/septivank/anpr-toll-worker/internal/config"
	"github.com/septivank/anpr-toll-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
