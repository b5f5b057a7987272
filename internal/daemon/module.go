package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/sphere/internal/api"
	"github.com/matheus3301/sphere/internal/bus"
	"github.com/matheus3301/sphere/internal/config"
	"github.com/matheus3301/sphere/internal/engine"
	"github.com/matheus3301/sphere/internal/history"
	"github.com/matheus3301/sphere/internal/identity"
	"github.com/matheus3301/sphere/internal/lock"
	"github.com/matheus3301/sphere/internal/logging"
	"github.com/matheus3301/sphere/internal/session"
	"github.com/matheus3301/sphere/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	tailSize         = 256 << 10
	handshakeTimeout = 10 * time.Second
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = resolve from config.toml and SPHERE_* env
	Stderr      bool           // mirror logs to stderr
}

// Identity is the resolved local sender.
type Identity string

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideTail,
			provideLogger,
			provideBus,
			provideLock,
			provideIdentity,
			provideHistory,
			provideDialer,
			provideEngine,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Resolve(session.ConfigPath()); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideTail() (*logging.Tail, error) {
	return logging.NewTail(tailSize)
}

func provideLogger(p Params, cfg *config.Config, tail *logging.Tail) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Level:   cfg.LogLevel,
		Tail:    tail,
		Stderr:  p.Stderr,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) (Identity, error) {
	id, err := identity.Resolve(cfg.Identity, cfg.Token)
	if err != nil {
		return "", fmt.Errorf("resolve identity: %w", err)
	}
	logger.Info("identity resolved", zap.String("identity", id))
	return Identity(id), nil
}

func provideHistory(cfg *config.Config, logger *zap.Logger) (*history.Client, error) {
	return history.New(cfg.APIURL, cfg.Token, cfg.Chat.FetchTimeout, logger)
}

func provideDialer(cfg *config.Config) *transport.WebsocketDialer {
	return transport.NewWebsocketDialer(cfg.WSURL, cfg.Token, handshakeTimeout)
}

func provideEngine(cfg *config.Config, id Identity, dialer *transport.WebsocketDialer, hist *history.Client, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(engine.Options{
		Identity:        string(id),
		Dialer:          dialer,
		History:         hist,
		ReconnectBase:   cfg.Chat.ReconnectBase,
		ReconnectMax:    cfg.Chat.ReconnectMax,
		TypingWindow:    cfg.Chat.TypingWindow,
		PresenceTimeout: cfg.Chat.PresenceTimeout,
		EchoWindow:      cfg.Chat.EchoWindow,
		PingInterval:    cfg.Chat.PingInterval,
		FetchTimeout:    cfg.Chat.FetchTimeout,
	}, b, logger)
}

func provideChatService(p Params, id Identity, eng *engine.Engine, hist *history.Client, b *bus.Bus, tail *logging.Tail, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(p.SessionName, string(id), eng, hist, b, tail, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, eng *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine outlives the start context.
			eng.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			eng.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
