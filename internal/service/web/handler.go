package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"liuproxy_resolver/internal/core/coordinator"
	"liuproxy_resolver/internal/core/health"
	"liuproxy_resolver/internal/core/proxyinfo"
	"liuproxy_resolver/internal/core/retry"
	"liuproxy_resolver/internal/shared/logger"
	"liuproxy_resolver/internal/shared/settings"
)

// ResolverController is what the handler needs from the AppServer. It keeps
// the web package independent of how the coordinator is wired.
type ResolverController interface {
	Resolve(ctx context.Context, rawURL string) (*proxyinfo.Info, error)
	ReconsiderProxyAfterError(ctx context.Context, rawURL string, netErr error, info *proxyinfo.Info) error
	MarkProxiesAsBad(info *proxyinfo.Info, retryDelay time.Duration) bool
	ReportSuccess(info *proxyinfo.Info)
	LookupRetryInfo(uri string) (retry.Info, bool)
	ClearRetryInfo()
	ForceReload()
	Status() coordinator.Status
	Probe(ctx context.Context, rawURL string) ([]health.Result, error)
}

const resolveTimeout = 30 * time.Second

type Handler struct {
	settingsManager *settings.SettingsManager
	controller      ResolverController
}

func NewHandler(settingsManager *settings.SettingsManager, controller ResolverController) *Handler {
	return &Handler{
		settingsManager: settingsManager,
		controller:      controller,
	}
}

// ResolveResponse is the JSON form of a resolution result.
type ResolveResponse struct {
	URL          string    `json:"url"`
	PAC          string    `json:"pac"`
	Proxy        string    `json:"proxy"`
	ConfigID     int64     `json:"config_id"`
	ConfigSource string    `json:"config_source,omitempty"`
	DidUsePAC    bool      `json:"did_use_pac"`
	DidBypass    bool      `json:"did_bypass_proxy"`
	ResolveStart time.Time `json:"resolve_start"`
	ResolveEnd   time.Time `json:"resolve_end"`
}

func newResolveResponse(rawURL string, info *proxyinfo.Info) ResolveResponse {
	return ResolveResponse{
		URL:          rawURL,
		PAC:          info.PACString(),
		Proxy:        info.Server().URI(),
		ConfigID:     info.ConfigID,
		ConfigSource: info.ConfigSource,
		DidUsePAC:    info.DidUsePAC,
		DidBypass:    info.DidBypassProxy,
		ResolveStart: info.ResolveStart,
		ResolveEnd:   info.ResolveEnd,
	}
}

// resultRequest is posted back by clients reporting on an earlier result.
type resultRequest struct {
	URL      string `json:"url"`
	PAC      string `json:"pac"`
	ConfigID int64  `json:"config_id"`
	Error    string `json:"error"`
	// DelaySeconds for /api/proxies/bad; zero means the default.
	DelaySeconds int `json:"delay_seconds"`
}

func (r resultRequest) info() *proxyinfo.Info {
	info := &proxyinfo.Info{ConfigID: r.ConfigID}
	info.UsePACString(r.PAC)
	return info
}

// successRequest reports that a connection through pac's first proxy worked
// after falling back from BadProxies.
type successRequest struct {
	PAC        string   `json:"pac"`
	ConfigID   int64    `json:"config_id"`
	BadProxies []string `json:"bad_proxies"`
	Error      string   `json:"error"`
}

func (r successRequest) info(now time.Time) (*proxyinfo.Info, error) {
	netErr := errors.New("connection failed")
	if r.Error != "" {
		netErr = errors.New(r.Error)
	}
	info := &proxyinfo.Info{ConfigID: r.ConfigID}
	for _, uri := range r.BadProxies {
		if err := info.UseNamedProxy(uri); err != nil {
			return nil, err
		}
		info.Fallback(netErr, now)
	}
	info.UsePACString(r.PAC)
	return info, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandleResolve 处理 GET /api/resolve?url=...
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		http.Error(w, "Missing url parameter", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), resolveTimeout)
	defer cancel()

	info, err := h.controller.Resolve(ctx, rawURL)
	if err != nil {
		writeError(w, statusForResolveError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newResolveResponse(rawURL, info))
}

// HandleReconsider 处理 POST /api/reconsider: the client failed to connect
// through the first proxy of an earlier result.
func (h *Handler) HandleReconsider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	netErr := errors.New("connection failed")
	if req.Error != "" {
		netErr = errors.New(req.Error)
	}
	ctx, cancel := context.WithTimeout(r.Context(), resolveTimeout)
	defer cancel()

	info := req.info()
	if err := h.controller.ReconsiderProxyAfterError(ctx, req.URL, netErr, info); err != nil {
		writeError(w, statusForResolveError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newResolveResponse(req.URL, info))
}

// HandleMarkBad 处理 POST /api/proxies/bad
func (h *Handler) HandleMarkBad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PAC == "" {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	more := h.controller.MarkProxiesAsBad(req.info(), time.Duration(req.DelaySeconds)*time.Second)
	writeJSON(w, http.StatusOK, map[string]bool{"has_remaining": more})
}

// HandleReportSuccess 处理 POST /api/proxies/success
func (h *Handler) HandleReportSuccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req successRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	info, err := req.info(time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.controller.ReportSuccess(info)
	writeJSON(w, http.StatusOK, map[string]int{"reported": len(info.RetryInfo())})
}

// HandleRetry 处理 GET/DELETE /api/retry. GET with ?proxy= returns a single
// entry.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		proxy := r.URL.Query().Get("proxy")
		if proxy == "" {
			writeJSON(w, http.StatusOK, h.controller.Status().BadProxies)
			return
		}
		s, err := proxyinfo.ParseURI(proxy, proxyinfo.SchemeHTTP)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		info, ok := h.controller.LookupRetryInfo(s.URI())
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%s is not marked bad", s.URI()))
			return
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		h.controller.ClearRetryInfo()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleReload 处理 POST /api/reload
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger.Info().Msg("[Handler] Received request to reload proxy configuration.")
	h.controller.ForceReload()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Reloading proxy configuration."})
}

// HandleProbe 处理 POST /api/probe?url=...
func (h *Handler) HandleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type probeResult struct {
		Proxy     string `json:"proxy"`
		OK        bool   `json:"ok"`
		LatencyMs int64  `json:"latency_ms"`
		Error     string `json:"error,omitempty"`
	}
	results, err := h.controller.Probe(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, statusForResolveError(err), err)
		return
	}
	out := make([]probeResult, 0, len(results))
	for _, res := range results {
		pr := probeResult{Proxy: res.Server.URI(), OK: res.OK(), LatencyMs: res.Latency.Milliseconds()}
		if res.Err != nil {
			pr.Error = res.Err.Error()
		}
		out = append(out, pr)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.settingsManager.Get())
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	moduleKey := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if moduleKey == "" {
		http.Error(w, "Module key is missing in URL path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	if err := h.settingsManager.Update(moduleKey, body); err != nil {
		switch {
		case strings.Contains(err.Error(), "unknown settings module"):
			http.Error(w, err.Error(), http.StatusNotFound)
		case strings.Contains(err.Error(), "failed to parse JSON"), strings.Contains(err.Error(), "invalid "+moduleKey):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated successfully"})
}

func statusForResolveError(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrMandatoryConfigFailed):
		return http.StatusBadGateway
	case errors.Is(err, coordinator.ErrNoMoreProxies):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
