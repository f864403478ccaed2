package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/mailminder/mailminder/internal/credential"
	"github.com/mailminder/mailminder/internal/engine"
	"github.com/mailminder/mailminder/internal/model"
	"github.com/mailminder/mailminder/internal/provider"
	"github.com/mailminder/mailminder/internal/provider/graph"
	"github.com/mailminder/mailminder/internal/provider/imapfallback"
	"github.com/mailminder/mailminder/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	configPath := os.Getenv("MAILMINDER_CONFIG")
	if configPath == "" {
		configPath = model.DefaultConfigPath()
	}
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		logger.Error("loading config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := store.NewSQLiteLedger(cfg.DatabasePath)
	if err != nil {
		logger.Error("opening ledger", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	gw, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("configuring provider", "kind", cfg.Provider.Kind, "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, ledger, gw, logger)
	if err != nil {
		logger.Error("assembling engine", "error", err)
		os.Exit(1)
	}

	logger.Info("mailminder started",
		"provider", cfg.Provider.Kind, "resources", len(cfg.Resources))
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("engine stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("mailminder stopped")
}

func buildGateway(ctx context.Context, cfg *model.AppConfig, logger *slog.Logger) (provider.Gateway, error) {
	switch cfg.Provider.Kind {
	case "graph", "":
		ts, err := tokenSource(ctx, cfg.Provider)
		if err != nil {
			return nil, err
		}
		return graph.New(ctx, graph.Options{
			BaseURL:         cfg.Provider.BaseURL,
			NotificationURL: cfg.Provider.NotificationURL,
			TokenSource:     ts,
			Resources:       cfg.Resources,
			AttachmentDir:   cfg.Provider.Config["attachment_dir"],
			Logger:          logger,
		})
	case "imap":
		password, err := credential.Get(credential.KeyIMAPPassword)
		if err != nil {
			return nil, fmt.Errorf("loading imap password: %w", err)
		}
		return imapfallback.New(imapfallback.Options{
			Host:          cfg.Provider.Config["host"],
			Port:          cfg.Provider.Config["port"],
			Username:      cfg.Provider.Config["username"],
			Password:      password,
			TLS:           cfg.Provider.Config["tls"] != "false",
			AttachmentDir: cfg.Provider.Config["attachment_dir"],
			Logger:        logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}

// tokenSource builds an auto-refreshing OAuth2 source from the token
// stored in the system keyring. With a token endpoint configured the
// refresh token keeps the session alive across expiry.
func tokenSource(ctx context.Context, pc model.ProviderConfig) (oauth2.TokenSource, error) {
	tok, err := credential.OAuthToken()
	if err != nil {
		return nil, fmt.Errorf("loading oauth token: %w", err)
	}

	tokenURL := pc.Config["token_url"]
	clientID := pc.Config["client_id"]
	if tokenURL == "" || clientID == "" || tok.RefreshToken == "" {
		return oauth2.StaticTokenSource(tok), nil
	}
	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:   []string{"Mail.ReadWrite", "Mail.Send", "Calendars.Read", "offline_access"},
	}
	return conf.TokenSource(ctx, tok), nil
}

func logLevel() slog.Level {
	switch os.Getenv("MAILMINDER_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
