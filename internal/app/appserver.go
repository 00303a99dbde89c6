package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"liuproxy_resolver/internal/core/configsrc"
	"liuproxy_resolver/internal/core/coordinator"
	"liuproxy_resolver/internal/core/decider"
	"liuproxy_resolver/internal/core/fetcher"
	"liuproxy_resolver/internal/core/pacresolver"
	"liuproxy_resolver/internal/core/sequence"
	"liuproxy_resolver/internal/netchange"
	"liuproxy_resolver/internal/service/web"
	"liuproxy_resolver/internal/shared/logger"
	"liuproxy_resolver/internal/shared/settings"
	"liuproxy_resolver/internal/shared/types"
)

const (
	statusInterval  = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// AppServer is the application's main struct. It owns the runner the
// coordinator lives on and everything that feeds it.
type AppServer struct {
	cfg       *types.Config
	configDir string

	settingsManager *settings.SettingsManager

	runner      *sequence.Loop
	source      *configsrc.Settings
	coordinator *coordinator.Coordinator
	resolver    *coordinator.SyncResolver
	notifier    *netchange.Notifier

	hub        *web.Hub
	httpServer *http.Server

	// probeReset is signalled when the probe settings change.
	probeReset chan struct{}

	// ctx ends when Stop begins; blocking controller calls are bound to it.
	ctx    context.Context
	cancel context.CancelFunc
	// lifeMu guards stopping; calls counts controller calls in flight.
	lifeMu   sync.Mutex
	stopping bool
	calls    sync.WaitGroup

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

var _ web.ResolverController = (*AppServer)(nil)

// New wires the settings manager, config source, coordinator and network
// notifier. Nothing listens or polls until Start.
func New(cfg *types.Config, configDir string) (*AppServer, error) {
	resolver, err := pacresolver.New(cfg.ResolverConf.Engine)
	if err != nil {
		return nil, err
	}

	settingsPath := ""
	if cfg.ResolverConf.SettingsFile != "" {
		settingsPath = cfg.ResolverConf.SettingsFile
		if !filepath.IsAbs(settingsPath) {
			settingsPath = filepath.Join(configDir, settingsPath)
		}
	}
	sm, err := settings.NewSettingsManager(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}

	s := &AppServer{
		cfg:             cfg,
		configDir:       configDir,
		settingsManager: sm,
		runner:          sequence.NewLoop(),
		hub:             web.NewHub(),
		probeReset:      make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.registerSettings()

	// The coordinator must be created and driven on the runner.
	s.runner.Start()
	s.source = configsrc.NewSettings(s.runner, sm, nil)
	newDecider := decider.Factory(s.runner, fetcher.Factory(s.runner, nil))
	opts := coordinator.Options{
		StallDelay:        stallDelay(cfg.ResolverConf.StallDelayMs),
		DefaultRetryDelay: time.Duration(cfg.ResolverConf.DefaultRetryMinutes) * time.Minute,
		Delegate:          loggingDelegate{},
		EventSink:         s.hub,
	}
	sequence.Call(s.runner, func() {
		s.coordinator = coordinator.New(s.runner, s.source, resolver, newDecider, opts)
	})
	s.resolver = coordinator.NewSyncResolver(s.coordinator, s.runner)

	if cfg.NetChangeConf.Enabled {
		s.notifier = netchange.New(s.runner, netchange.Options{
			PollInterval: time.Duration(cfg.NetChangeConf.PollIntervalSeconds) * time.Second,
			ResolvConf:   netchange.DefaultResolvConf,
		})
		sequence.Call(s.runner, func() { s.notifier.AddObserver(s.coordinator) })
	}

	logger.Info().
		Str("coordinator", s.coordinator.ID()).
		Str("engine", cfg.ResolverConf.Engine).
		Str("settings", settingsPath).
		Msg("[AppServer] Resolver stack initialized.")
	return s, nil
}

// stallDelay maps the ini value onto coordinator.Options, where zero means
// the default and a negative value disables the stall.
func stallDelay(ms int) time.Duration {
	if ms == 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// Run is the server's entry point. It blocks until Stop.
func (s *AppServer) Run() {
	logger.Info().Str("mode", s.cfg.CommonConf.Mode).Msg("Starting resolver server...")
	if err := s.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server start failed")
	}
	s.Wait()
}

// Start launches the background loops and, in local mode, the web API.
func (s *AppServer) Start() error {
	if s.notifier != nil {
		s.notifier.Start()
	} else {
		logger.Warn().Msg("Network change notifier is disabled.")
	}

	go s.hub.Run()

	s.waitGroup.Add(1)
	go s.statusLoop()

	s.waitGroup.Add(1)
	go s.probeLoop()

	if s.cfg.CommonConf.Mode == "headless" {
		logger.Info().Msg("Headless mode, web API not started.")
		return nil
	}
	srv, err := web.StartServer(&s.waitGroup, s.cfg, s.settingsManager, s, s.hub)
	if err != nil {
		s.Stop()
		return err
	}
	s.httpServer = srv
	return nil
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// Stop gracefully shuts down the server. Pending resolves are cancelled.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping server...")
		s.lifeMu.Lock()
		s.stopping = true
		s.lifeMu.Unlock()
		s.cancel()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("Web server shutdown incomplete")
			}
			cancel()
		}
		if s.notifier != nil {
			s.notifier.Stop()
		}

		// Waiters were released by cancel; the runner must outlive them.
		s.calls.Wait()
		sequence.Call(s.runner, s.coordinator.Close)
		s.source.Close()
		s.runner.Stop()
		s.hub.Stop()
		logger.Info().Msg("Server stopped.")
	})
}

// statusLoop 定期向 websocket 客户端推送协调器状态快照
func (s *AppServer) statusLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			s.hub.BroadcastStatusUpdate(s.Status())
		case <-s.ctx.Done():
			return
		}
	}
}
