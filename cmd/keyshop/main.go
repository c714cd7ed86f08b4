package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/app"
	"github.com/vladislavdragonenkov/keyshop/internal/version"
)

const (
	envLogFormat = "KEYSHOP_LOG_FORMAT"
	envLogLevel  = "KEYSHOP_LOG_LEVEL"
)

// setupLogger настраивает формат и уровень логирования. Неизвестный уровень
// возвращается предупреждением, логгер остаётся на info.
func setupLogger(logger *log.Logger, out io.Writer, lookup func(string) (string, bool)) string {
	logger.SetOutput(out)

	format, _ := lookup(envLogFormat)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	logger.SetLevel(log.InfoLevel)
	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return ""
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return envLogLevel + "=" + raw + " ignored: " + err.Error()
	}
	logger.SetLevel(level)
	return ""
}

// loadConfig читает конфигурацию из окружения и необязательного файла.
func loadConfig(logger *log.Entry) (app.Config, error) {
	cfg, warnings, err := app.LoadConfig(app.NewViper())
	for _, w := range warnings {
		logger.Warn(w)
	}
	return cfg, err
}

func main() {
	if warning := setupLogger(log.StandardLogger(), os.Stderr, os.LookupEnv); warning != "" {
		log.Warn(warning)
	}
	logger := log.WithFields(version.Fields())

	cfg, err := loadConfig(logger)
	if err != nil {
		logger.WithError(err).Fatal("не удалось прочитать конфигурацию")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем keyshop")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	logger.Info("keyshop остановлен")
}
