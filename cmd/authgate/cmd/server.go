package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/authgate/alert"
	"github.com/jmcleod/authgate/api"
	"github.com/jmcleod/authgate/authorize"
	"github.com/jmcleod/authgate/blacklist"
	"github.com/jmcleod/authgate/config"
	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/internal/util"
	"github.com/jmcleod/authgate/internal/yubico"
	"github.com/jmcleod/authgate/secondfactor"
	"github.com/jmcleod/authgate/secondfactor/duo"
	"github.com/jmcleod/authgate/secondfactor/securitykey"
	"github.com/jmcleod/authgate/secondfactor/yubikey"
	"github.com/jmcleod/authgate/upstream"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the login gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		notifier, closeAlerts, err := buildNotifier(cfg, logger)
		if err != nil {
			return err
		}
		defer closeAlerts()
		spikes := alert.NewSpikeDetector(notifier, cfg.SpikeWindow, cfg.SpikeThreshold, logger, nil)
		secondfactor.LogsURL = cfg.LogsURL

		bl := blacklist.New(
			blacklist.WithThreshold(cfg.BlacklistThreshold),
			blacklist.WithTTL(cfg.BlacklistTTL),
		)
		up := upstream.New(cfg.UpstreamURL,
			upstream.WithTimeout(cfg.UpstreamTimeout),
			upstream.WithSessionCookie(cfg.SessionCookie),
		)
		broker := authorize.NewBroker(store, up, bl,
			authorize.WithWindow(cfg.AuthorizeWindow),
			authorize.WithNotifier(notifier),
			authorize.WithPublicURL(cfg.PublicURL),
			authorize.WithLogger(logger),
		)
		defer broker.Close()
		verifier := secondfactor.NewVerifier(bl, up, notifier, spikes, logger)

		opts, duoHost, err := apiOptions(cfg, store, up, logger)
		if err != nil {
			return err
		}
		a := api.New(store, bl, broker, verifier, up, opts...)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders(duoHost))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api", a.Router())

		tlsConfig, err := serverTLS(cfg)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}

		maintCtx, stopMaint := context.WithCancel(context.Background())
		defer stopMaint()
		go maintain(maintCtx, cfg.BlacklistSweepInterval, bl, a, logger)

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("starting server", "addr", cfg.Addr, "storage", cfg.Storage, "upstream", cfg.UpstreamURL)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// apiOptions builds the API options for cfg, constructing each configured
// second-factor strategy. It also returns the Duo host, which the security
// headers must allow as a frame source.
func apiOptions(cfg *config.Config, store *credentials.Store, up *upstream.Client, logger *slog.Logger) ([]api.Option, string, error) {
	trusted, err := api.WithTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, "", fmt.Errorf("trusted proxies: %w", err)
	}
	opts := []api.Option{
		api.WithLogger(logger),
		trusted,
		api.WithAdminCheckURL(cfg.AdminCheckURL),
		api.WithAuthorizeRate(cfg.AuthorizeInterval(), cfg.AuthorizeBurst),
	}

	var duoHost string
	if cfg.DuoEnabled() {
		d, err := duo.New(duo.Config{
			IKey: cfg.DuoIKey,
			SKey: cfg.Secrets.DuoSKey,
			AKey: cfg.Secrets.DuoAKey,
			Host: cfg.DuoHost,
		}, up, duo.WithLogger(logger))
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, api.WithDuo(d))
		duoHost = cfg.DuoHost
	}

	if cfg.WebAuthnEnabled() {
		sk, err := securitykey.New(securitykey.Config{
			RPID:          cfg.WebAuthnRPID,
			RPDisplayName: cfg.WebAuthnRPName,
			RPOrigins:     cfg.WebAuthnOrigins,
		}, store, logger)
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, api.WithSecurityKey(sk))
	}

	// A nil Validator leaves the OTP routes answering "disabled".
	var validator yubikey.Validator
	if cfg.YubikeyEnabled() {
		yc := yubico.Config{AESKey: cfg.Secrets.YubikeyAES, PrivateUID: cfg.YubikeyPrivateUID}
		if cfg.YubicoClientID != "" {
			endpoint := cfg.YubicoURL
			if endpoint == "" {
				endpoint = yubico.DefaultCloudURL
			}
			yc.Cloud = yubico.NewCloudClient(endpoint, cfg.YubicoClientID, cfg.Secrets.YubicoAPI)
		}
		yv, err := yubico.New(yc)
		if err != nil {
			return nil, "", fmt.Errorf("yubikey: %w", err)
		}
		validator = yv
	}
	opts = append(opts, api.WithYubikey(yubikey.New(validator, store, logger)))

	return opts, duoHost, nil
}

// buildNotifier fans alerts out to the log and every configured sink. The
// returned func flushes and closes the sinks.
func buildNotifier(cfg *config.Config, logger *slog.Logger) (alert.Notifier, func(), error) {
	notifiers := alert.Multi{alert.Log{Logger: logger}}
	var closers []func()

	if cfg.AlertWebhookURL != "" {
		wh := alert.NewWebhook(cfg.AlertWebhookURL, cfg.AlertWebhookAuth, logger)
		notifiers = append(notifiers, wh)
		closers = append(closers, wh.Close)
	}
	if cfg.NATSURL != "" {
		conn, err := alert.DialNATS(cfg.NATSURL, logger)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, err
		}
		notifiers = append(notifiers, alert.NewNATS(conn, cfg.NATSPrefix))
		closers = append(closers, func() {
			if err := conn.Drain(); err != nil {
				logger.Warn("nats drain failed", "error", err)
			}
		})
	}

	return notifiers, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// serverTLS loads the configured key pair, or generates a throwaway
// certificate for the public host outside production.
func serverTLS(cfg *config.Config) (*tls.Config, error) {
	var cert tls.Certificate
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		var err error
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		if cfg.Production() {
			return nil, errors.New("TLS_CERT and TLS_KEY are required when ENV=production")
		}
		var host string
		if u, err := url.Parse(cfg.PublicURL); err == nil {
			host = u.Hostname()
		}
		var err error
		cert, err = util.GenerateSelfSignedCert(host)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// maintain drops expired blacklist entries and idle throttle buckets.
func maintain(ctx context.Context, every time.Duration, bl *blacklist.Cache, a *api.API, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := bl.Sweep()
			idle := a.SweepThrottle()
			if expired > 0 || idle > 0 {
				logger.Debug("swept expired state", "blacklist", expired, "throttle", idle)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().String("addr", "", "Address to listen on (default :8443)")
	serverCmd.Flags().String("data-dir", "", "Directory for the bbolt credential database")
	serverCmd.Flags().String("storage", "", "Credential storage backend: bbolt, postgres or memory")
	serverCmd.Flags().String("upstream-url", "", "Base URL of the identity provider")
	serverCmd.Flags().String("tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "Path to TLS key file")
	bindFlag("ADDR", serverCmd.Flags(), "addr")
	bindFlag("DATA_DIR", serverCmd.Flags(), "data-dir")
	bindFlag("STORAGE", serverCmd.Flags(), "storage")
	bindFlag("UPSTREAM_URL", serverCmd.Flags(), "upstream-url")
	bindFlag("TLS_CERT", serverCmd.Flags(), "tls-cert")
	bindFlag("TLS_KEY", serverCmd.Flags(), "tls-key")
}
