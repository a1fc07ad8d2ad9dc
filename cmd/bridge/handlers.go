package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sherlocklabs/openclaw-bridge/internal/config"
	"github.com/sherlocklabs/openclaw-bridge/internal/deviceauth"
	"github.com/sherlocklabs/openclaw-bridge/internal/observability"
	"github.com/sherlocklabs/openclaw-bridge/internal/openclaw"
)

const (
	protocolMin = 1
	protocolMax = 3

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// helloAck is the part of the handshake acknowledgement the bridge acts
// on: a freshly minted device token to cache for the next connection.
type helloAck struct {
	Auth struct {
		DeviceToken string `json:"deviceToken"`
	} `json:"auth"`
}

// gatewayHandler receives push traffic from the control connection.
type gatewayHandler struct {
	logger       *slog.Logger
	disconnected chan error
}

func (h *gatewayHandler) OnConnected(payload json.RawMessage) {
	h.logger.Info("gateway handshake complete")
}

func (h *gatewayHandler) OnEvent(name string, payload json.RawMessage) {
	h.logger.Info("gateway event", "event", name, "payload_bytes", len(payload))
}

func (h *gatewayHandler) OnDisconnected(err error) {
	select {
	case h.disconnected <- err:
	default:
	}
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	auth := deviceauth.New(cfg.Identity.KeyPath, cfg.Identity.TokenCachePath, logger)
	if err := auth.LoadOrGenerateKeypair(); err != nil {
		return fmt.Errorf("loading device identity: %w", err)
	}
	logger.Info("device identity ready", "device_id", auth.DeviceID())

	bootstrap := cfg.Identity.BootstrapToken
	if env := os.Getenv("BRIDGE_BOOTSTRAP_TOKEN"); env != "" {
		bootstrap = env
	}

	// The control client does not reconnect by itself; the serve loop
	// owns that policy.
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return nil
		}

		cause, ready := connectOnce(ctx, cfg, auth, bootstrap, logger, metrics)
		if ctx.Err() != nil {
			return nil
		}
		if ready {
			// The session was up; start the backoff ladder over.
			backoff = reconnectBase
			logger.Warn("gateway connection lost", "error", cause, "retry_in", backoff)
		} else {
			logger.Error("gateway connection failed", "error", cause, "retry_in", backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectOnce runs a single connection lifetime: dial, challenge,
// handshake, then block until the connection drops or ctx ends. ready
// reports whether the session reached the handshaken state; cause is the
// setup failure when it did not, or the disconnect cause when it did.
func connectOnce(ctx context.Context, cfg *config.Config, auth *deviceauth.DeviceAuth, bootstrap string, logger *slog.Logger, metrics *observability.Metrics) (cause error, ready bool) {
	handler := &gatewayHandler{
		logger:       logger,
		disconnected: make(chan error, 1),
	}
	client := openclaw.NewClient(openclaw.Options{
		URL:              cfg.Gateway.URL,
		Handler:          handler,
		Logger:           logger,
		ConnectTimeout:   cfg.Gateway.ConnectTimeout,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		RequestTimeout:   cfg.Gateway.RequestTimeout,
		Metrics:          metrics,
	})

	nonce, err := client.Connect(ctx)
	if err != nil {
		return err, false
	}
	defer client.Close()

	params, err := auth.BuildConnectParams(
		protocolMin, protocolMax,
		cfg.Identity.Role, cfg.Identity.Scopes,
		deviceauth.ClientInfo{
			ID:          cfg.Identity.ClientID,
			DisplayName: "OpenClaw Bridge",
			Version:     version,
			Platform:    runtime.GOOS,
			Mode:        cfg.Identity.ClientMode,
		},
		bootstrap, nonce,
	)
	if err != nil {
		return fmt.Errorf("building handshake params: %w", err), false
	}

	payload, err := client.Handshake(ctx, params)
	if err != nil {
		return fmt.Errorf("gateway handshake: %w", err), false
	}

	var ack helloAck
	if err := json.Unmarshal(payload, &ack); err == nil && ack.Auth.DeviceToken != "" {
		if err := auth.CacheToken(ack.Auth.DeviceToken, cfg.Identity.Role); err != nil {
			logger.Warn("caching device token failed", "error", err)
		}
	}

	select {
	case dropCause := <-handler.disconnected:
		return dropCause, true
	case <-ctx.Done():
		return nil, true
	}
}

func loadIdentity(configPath string) (*config.Config, *deviceauth.DeviceAuth, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, deviceauth.New(cfg.Identity.KeyPath, cfg.Identity.TokenCachePath, logger), nil
}

func runIdentityInit(configPath string) error {
	_, auth, err := loadIdentity(configPath)
	if err != nil {
		return err
	}
	if err := auth.LoadOrGenerateKeypair(); err != nil {
		return err
	}
	return printIdentity(auth)
}

func runIdentityShow(configPath string) error {
	_, auth, err := loadIdentity(configPath)
	if err != nil {
		return err
	}
	if err := auth.LoadOrGenerateKeypair(); err != nil {
		return err
	}
	return printIdentity(auth)
}

func printIdentity(auth *deviceauth.DeviceAuth) error {
	pub, err := auth.PublicKeyBase64URL()
	if err != nil {
		return err
	}
	fmt.Printf("device_id:  %s\n", auth.DeviceID())
	fmt.Printf("public_key: %s\n", pub)
	return nil
}

func runIdentityClearToken(configPath, role string) error {
	cfg, auth, err := loadIdentity(configPath)
	if err != nil {
		return err
	}
	if err := auth.LoadOrGenerateKeypair(); err != nil {
		return err
	}
	if role == "" {
		role = cfg.Identity.Role
	}
	if err := auth.ClearCachedToken(role); err != nil {
		return err
	}
	fmt.Printf("cleared cached token for role %q\n", role)
	return nil
}
