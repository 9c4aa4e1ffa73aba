package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/config"
)

const (
	startTimeout = 2 * time.Minute
	stopTimeout  = 30 * time.Second
)

func main() {
	loadEnv()

	app := fx.New(appOptions())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tempLogger, _ := newLogger(&config.Config{ServiceName: "inverter-telemetry-worker", LogLevel: "info"})
	tempLogger.Info("Starting application", zap.Duration("timeout", startTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			tempLogger.Error("Application start timed out; a dependency (database, redis, RabbitMQ or the inverter API) is not reachable")
		}
		tempLogger.Error("Application failed to start", zap.Error(err))
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
		os.Exit(1)
	}
}

// loadEnv loads the first .env found in the working directory or up to two parents
func loadEnv() {
	envPaths := []string{".env", "../../.env"}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Printf("Loaded environment from: %s\n", absPath)
			return
		}
	}
	fmt.Println("No .env file found, using system environment variables")
}
