package web

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"liuproxy_resolver/internal/shared/logger"
	"liuproxy_resolver/internal/shared/settings"
	"liuproxy_resolver/internal/shared/types"
)

// basicAuthMiddleware enforces HTTP Basic auth when both web_user and
// web_password are configured.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewMux builds the API routes. /api/status and /ws are public.
func NewMux(cfg *types.Config, settingsManager *settings.SettingsManager, controller ResolverController, hub *Hub) *http.ServeMux {
	handler := NewHandler(settingsManager, controller)
	mux := http.NewServeMux()

	webUser := cfg.LocalConf.WebUser
	webPassword := cfg.LocalConf.WebPassword
	protect := func(path string, fn http.HandlerFunc) {
		mux.Handle(path, basicAuthMiddleware(fn, webUser, webPassword))
	}

	protect("/api/resolve", handler.HandleResolve)
	protect("/api/reconsider", handler.HandleReconsider)
	protect("/api/proxies/bad", handler.HandleMarkBad)
	protect("/api/proxies/success", handler.HandleReportSuccess)
	protect("/api/retry", handler.HandleRetry)
	protect("/api/reload", handler.HandleReload)
	protect("/api/probe", handler.HandleProbe)

	protect("/api/settings", handler.HandleGetSettings)
	protect("/api/settings/", handler.HandleUpdateSettings) // /api/settings/{module}

	mux.HandleFunc("/api/status", handler.HandleStatus)
	if hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(hub, w, r)
		})
	}
	return mux
}

// StartServer listens on web_port and serves the API in the background. It
// returns nil when the web API is disabled.
func StartServer(
	wg *sync.WaitGroup,
	cfg *types.Config,
	settingsManager *settings.SettingsManager,
	controller ResolverController,
	hub *Hub,
) (*http.Server, error) {
	if cfg.LocalConf.WebPort <= 0 {
		logger.Info().Msg("[WebServer] Web API is disabled (web_port is 0 or not set).")
		return nil, nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.LocalConf.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           NewMux(cfg, settingsManager, controller, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Msgf("Web API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}
