// Command vaultdash is the backend of the vault dashboard. It loads
// configuration, validates it, sets up signal handling, and runs the
// application in the configured mode.
//
// Usage:
//
//	vaultdash [-config config.toml]
//	vaultdash encrypt-key -out wallet.key
//
// encrypt-key reads the key from VAULTDASH_WALLET_PRIVATE_KEY and the password
// from VAULTDASH_WALLET_KEY_PASSWORD and writes an encrypted key file for
// wallet.encrypted_key_path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/vaultdash/internal/app"
	"github.com/alanyoungcy/vaultdash/internal/config"
	"github.com/alanyoungcy/vaultdash/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := encryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("vaultdash starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		application.Close()
		os.Exit(1)
	}

	logger.Info("vaultdash stopped")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "wallet.key", "path of the encrypted key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key := os.Getenv("VAULTDASH_WALLET_PRIVATE_KEY")
	password := os.Getenv("VAULTDASH_WALLET_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("VAULTDASH_WALLET_PRIVATE_KEY and VAULTDASH_WALLET_KEY_PASSWORD must be set")
	}
	if err := crypto.WriteKeyFile(*out, key, password); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}
