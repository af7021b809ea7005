package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/wabridge/pkg/wabridge/bridge"
	"github.com/jholhewres/wabridge/pkg/wabridge/config"
	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver/whatsapp"
	"github.com/jholhewres/wabridge/pkg/wabridge/messages"
	"github.com/jholhewres/wabridge/pkg/wabridge/qr"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
)

// runtime is a wired session with its query service.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *session.Manager
	service *bridge.Service
}

// resolveConfig loads the config from --config or the standard locations,
// falling back to the defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

// newLogger builds the slog logger for the configured level and format.
func newLogger(cmd *cobra.Command, cfg *config.Config, out io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// buildRuntime wires the contact directory, message cache, WhatsApp driver
// and session manager. The session is not started.
func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	var store *contacts.FileStore
	if cfg.Contacts.CachePath != "" {
		store = contacts.NewFileStore(cfg.Contacts.CachePath)
	}
	dir := contacts.New(store, logger)
	if err := dir.Load(); err != nil {
		logger.Warn("contact cache unreadable, starting empty", "error", err)
	}

	cache := messages.New(cfg.Cache, logger)
	factory := whatsapp.NewFactory(cfg.WhatsApp, logger)

	mgr, err := session.New(cfg.SessionConfig(), factory, dir, cache, logger)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &runtime{
		cfg:     cfg,
		logger:  logger,
		session: mgr,
		service: bridge.New(mgr, dir, cache, logger),
	}, nil
}

// showChallenges renders every pairing challenge until ctx is done: a PNG
// at the configured path and, on an interactive terminal, an ASCII code.
func (rt *runtime) showChallenges(ctx context.Context, out io.Writer) {
	events, unsubscribe := rt.session.SubscribeQR()
	go func() {
		defer unsubscribe()
		interactive := rt.cfg.QR.Terminal && term.IsTerminal(int(os.Stdout.Fd()))
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if evt.Type != session.QRCode {
					continue
				}
				if rt.cfg.QR.ImagePath != "" {
					if err := qr.WriteFile(rt.cfg.QR.ImagePath, evt.Code, qr.DefaultSize); err != nil {
						rt.logger.Warn("failed to write QR image", "path", rt.cfg.QR.ImagePath, "error", err)
					} else {
						rt.logger.Info("QR code written", "path", rt.cfg.QR.ImagePath)
					}
				}
				if interactive {
					fmt.Fprintln(out, "\nScan this QR code with WhatsApp (Linked Devices):")
					qr.Terminal(out, evt.Code)
				}
			}
		}
	}()
}
