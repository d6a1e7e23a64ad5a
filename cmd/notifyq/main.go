package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:           "notifyq",
		Short:         "Notification queue and retry engine",
		Long:          "notifyq leases outbound notifications to delivery workers, retries transient failures with backoff and reclaims stalled leases.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "notifyq:", err)
		os.Exit(1)
	}
}

// newLogger builds the production zap logger at the given level, falling
// back to info for an empty or unknown value.
func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
