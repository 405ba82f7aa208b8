package engine

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"runnerlink/internal/appdir"
	"runnerlink/internal/bus"
	"runnerlink/internal/call"
	"runnerlink/internal/config"
	"runnerlink/internal/conn"
	"runnerlink/internal/lock"
	"runnerlink/internal/logging"
	"runnerlink/internal/presence"
	"runnerlink/internal/room"
	"runnerlink/internal/transport"
	"runnerlink/internal/upload"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// Media is the host's real-time A/V capability. Nil means no hardware
	// (headless daemon); calls then fail to join and fall back to idle.
	Media call.Media
}

// Module returns the fx module for the engine, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideChannel,
			provideRooms,
			provideConn,
			provideTracker,
			provideMedia,
			provideCalls,
			provideThrottle,
			New,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(appdir.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(appdir.ConfigPath())
	if err != nil {
		logger.Info("no config file, using defaults", zap.Error(err))
		cfg = config.Default()
	}
	if tok := os.Getenv("RUNNERLINK_TOKEN"); tok != "" {
		cfg.AccessToken = tok
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := appdir.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(appdir.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideChannel(cfg *config.Config, b *bus.Bus, logger *zap.Logger) transport.Channel {
	return transport.NewSocket(cfg.GatewayURL, transport.BackoffConfig{
		Initial:     cfg.InitialBackoff(),
		Max:         cfg.MaxBackoff(),
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}, b, logger)
}

func provideRooms(logger *zap.Logger) *room.Controller {
	return room.NewController(logger)
}

func provideConn(ch transport.Channel, rooms *room.Controller, b *bus.Bus, cfg *config.Config, logger *zap.Logger) (*conn.Manager, error) {
	return conn.NewManager(ch, rooms, b, logger, cfg.AccessToken)
}

func provideTracker(cm *conn.Manager, cfg *config.Config, logger *zap.Logger) *upload.Tracker {
	return upload.NewTracker(cm, cfg.Uploads.MaxInFlight, logger)
}

func provideMedia(p Params) call.Media {
	if p.Media != nil {
		return p.Media
	}
	return call.NullMedia{}
}

func provideCalls(cm *conn.Manager, media call.Media, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *call.Machine {
	return call.NewMachine(cm, media, b, logger, cfg.AppID, cm.Claims().UserID, cfg.CallSetupTimeout())
}

func provideThrottle(cm *conn.Manager, cfg *config.Config, logger *zap.Logger) *presence.Throttle {
	return presence.NewThrottle(cm, cfg.PresenceDebounce(), cfg.PresenceQuiet(), logger)
}

func registerLifecycle(lc fx.Lifecycle, eng *Engine, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			eng.Start(context.Background())
			if err := eng.Connect(context.Background()); err != nil {
				return err
			}
			logger.Info("engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
