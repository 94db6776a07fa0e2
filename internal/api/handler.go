// Package api exposes the workflow control surface over HTTP: REST
// endpoints for run lifecycle and provider discovery, and SSE for event
// streaming.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/phonefleet/internal/accounts"
	"github.com/zjrosen/phonefleet/internal/config"
	"github.com/zjrosen/phonefleet/internal/log"
	"github.com/zjrosen/phonefleet/internal/orchestration"
	"github.com/zjrosen/phonefleet/internal/orchestration/strategy"
	"github.com/zjrosen/phonefleet/internal/provider"
)

// ssePingInterval keeps idle SSE connections from being reaped by proxies.
const ssePingInterval = 30 * time.Second

// Handler provides the HTTP endpoints for workflow operations.
type Handler struct {
	manager   *orchestration.Manager
	defaults  config.OrchestrationConfig
	discovery *provider.Discovery
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Manager owns the run lifecycle (required).
	Manager *orchestration.Manager
	// Defaults fill request fields the caller omits.
	Defaults config.OrchestrationConfig
	// Discovery serves the provider catalog endpoints (optional).
	Discovery *provider.Discovery
}

// NewHandler creates an API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		manager:   cfg.Manager,
		defaults:  cfg.Defaults,
		discovery: cfg.Discovery,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Run lifecycle
	mux.HandleFunc("POST /workflow/start", h.Start)
	mux.HandleFunc("POST /workflow/stop", h.Stop)
	mux.HandleFunc("POST /workflow/clear", h.Clear)
	mux.HandleFunc("GET /workflow/status", h.Status)
	mux.HandleFunc("GET /workflow/logs", h.Logs)

	// Event streaming
	mux.HandleFunc("GET /events", h.StreamEvents)

	// Provider discovery
	mux.HandleFunc("GET /provider/groups", h.ProviderGroups)
	mux.HandleFunc("GET /provider/flows", h.ProviderFlows)
	mux.HandleFunc("GET /provider/apps", h.ProviderApps)

	// Health check
	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// === Request/Response Types ===

// WarmupRequest carries the warmup task parameters.
type WarmupRequest struct {
	BrowseVideos  int    `json:"browseVideos,omitempty"`
	SearchKeyword string `json:"searchKeyword,omitempty"`
	DurationMins  int    `json:"durationMins,omitempty"`
}

// StartWorkflowRequest is the request body for starting a run. An omitted
// workflowType defaults to warmup.
type StartWorkflowRequest struct {
	APIToken     string `json:"apiToken"`
	GroupName    string `json:"groupName"`
	AccountData  string `json:"accountData"`
	WorkflowType string `json:"workflowType,omitempty"`
	AppVersionID string `json:"igAppVersionId"`
	PackageName  string `json:"packageName,omitempty"`

	ConcurrencyLimit          int  `json:"concurrencyLimit,omitempty"`
	MaxRetries                *int `json:"maxRetriesPerStage,omitempty"`
	BackoffBaseSeconds        int  `json:"baseBackoffSeconds,omitempty"`
	PollIntervalSeconds       int  `json:"pollIntervalSeconds,omitempty"`
	PollTimeoutSeconds        int  `json:"pollTimeoutSeconds,omitempty"`
	PublishPollTimeoutSeconds int  `json:"publishPollTimeoutSeconds,omitempty"`

	CustomLoginFlowID     string            `json:"customLoginFlowId,omitempty"`
	CustomLoginFlowParams map[string]string `json:"customLoginFlowParams,omitempty"`
	SetupFlowIDs          map[string]string `json:"setupFlowIds,omitempty"`
	CustomTaskOrder       []string          `json:"customTaskOrder,omitempty"`
	Warmup                WarmupRequest     `json:"warmup,omitempty"`
}

// StartWorkflowResponse is the response body for a started run.
type StartWorkflowResponse struct {
	RunID string `json:"runId"`
}

// StopWorkflowResponse reports the run status after a stop.
type StopWorkflowResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Handlers ===

// Start admits a new workflow run.
// POST /workflow/start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	cfg, err := h.buildConfig(req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	strat, err := strategy.ForConfig(cfg)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	runID, err := h.manager.Start(r.Context(), cfg, strat)
	if err != nil {
		if errors.Is(err, orchestration.ErrAlreadyRunning) {
			h.writeError(w, http.StatusConflict, "already_running", "A workflow is already running", "")
			return
		}
		h.writeError(w, http.StatusBadGateway, "start_failed", "Failed to start workflow", err.Error())
		return
	}

	log.Info(log.CatAPI, "workflow started", "runId", runID, "workflowType", req.WorkflowType)
	h.writeJSON(w, http.StatusOK, StartWorkflowResponse{RunID: runID.String()})
}

// buildConfig validates the request and merges it over the configured
// orchestration defaults.
func (h *Handler) buildConfig(req StartWorkflowRequest) (orchestration.WorkflowConfig, error) {
	var cfg orchestration.WorkflowConfig

	if strings.TrimSpace(req.APIToken) == "" {
		return cfg, fmt.Errorf("apiToken is required")
	}
	if strings.TrimSpace(req.GroupName) == "" {
		return cfg, fmt.Errorf("groupName is required")
	}
	if strings.TrimSpace(req.AppVersionID) == "" {
		return cfg, fmt.Errorf("igAppVersionId is required")
	}
	workflowType := orchestration.WorkflowType(req.WorkflowType)
	if req.WorkflowType == "" {
		workflowType = orchestration.WorkflowWarmup
	}
	if !workflowType.IsValid() {
		return cfg, fmt.Errorf("unknown workflow type %q", req.WorkflowType)
	}

	accs, err := accounts.Parse(req.AccountData)
	if err != nil {
		return cfg, fmt.Errorf("accountData: %w", err)
	}

	cfg = orchestration.WorkflowConfig{
		APIToken:     req.APIToken,
		GroupName:    req.GroupName,
		Accounts:     accs,
		AppVersionID: req.AppVersionID,
		PackageName:  req.PackageName,

		ConcurrencyLimit:   pickInt(req.ConcurrencyLimit, h.defaults.ConcurrencyLimit),
		MaxRetries:         h.defaults.MaxRetries,
		BackoffBase:        pickSeconds(req.BackoffBaseSeconds, h.defaults.BackoffBaseSeconds),
		PollInterval:       pickSeconds(req.PollIntervalSeconds, h.defaults.PollIntervalSeconds),
		PollTimeout:        pickSeconds(req.PollTimeoutSeconds, h.defaults.PollTimeoutSeconds),
		PublishPollTimeout: time.Duration(req.PublishPollTimeoutSeconds) * time.Second,

		WorkflowType:          workflowType,
		CustomLoginFlowID:     req.CustomLoginFlowID,
		CustomLoginFlowParams: req.CustomLoginFlowParams,
		SetupFlowIDs:          req.SetupFlowIDs,
		CustomTaskOrder:       req.CustomTaskOrder,
		Warmup: provider.WarmupParams{
			BrowseVideos: req.Warmup.BrowseVideos,
			Keyword:      req.Warmup.SearchKeyword,
			DurationMins: req.Warmup.DurationMins,
		},
	}
	// Zero retries is a meaningful choice, so only a missing field defaults
	if req.MaxRetries != nil {
		cfg.MaxRetries = *req.MaxRetries
	}
	if cfg.MaxRetries < 0 {
		return cfg, fmt.Errorf("maxRetriesPerStage must not be negative")
	}

	return cfg, nil
}

func pickInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func pickSeconds(value, fallback int) time.Duration {
	if value > 0 {
		return time.Duration(value) * time.Second
	}
	return time.Duration(fallback) * time.Second
}

// Stop cancels the active run and waits for its jobs to park. Idempotent.
// POST /workflow/stop
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.manager.Stop()
	h.writeJSON(w, http.StatusOK, StopWorkflowResponse{
		Status: h.manager.Store().Status().String(),
	})
}

// Clear resets the run record to idle.
// POST /workflow/clear
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Clear(); err != nil {
		h.writeError(w, http.StatusConflict, "run_active", err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status returns the full run snapshot with recent logs.
// GET /workflow/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.Store().Snapshot(100))
}

// Logs returns the most recent run log entries, newest first.
// GET /workflow/logs?n=50
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "n must be a non-negative integer", "")
			return
		}
		n = parsed
	}
	h.writeJSON(w, http.StatusOK, h.manager.Store().Logs(n))
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Workflow string `json:"workflow"`
}

// Health returns process liveness and the current run status.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Workflow: h.manager.Store().Status().String(),
	})
}

// === SSE ===

// StreamEvents streams run events over SSE. On connect the current status
// and every job are replayed so a late subscriber renders immediately;
// after that, events flow live from the bus.
// GET /events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	ctx := r.Context()
	bus := h.manager.Bus()
	phones := bus.PhoneUpdates.Subscribe(ctx)
	logs := bus.Logs.Subscribe(ctx)
	status := bus.Status.Subscribe(ctx)
	results := bus.Results.Subscribe(ctx)

	// Replay current state before going live
	snap := h.manager.Store().Snapshot(1)
	writeSSE(w, "workflow_status", orchestration.StatusChange{
		RunID:  snap.RunID,
		Status: snap.Status,
		Error:  snap.Error,
	})
	for _, job := range snap.Phones {
		writeSSE(w, "phone_update", job)
	}
	flusher.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-status:
			if !ok {
				return
			}
			writeSSE(w, "workflow_status", event.Payload)
			flusher.Flush()
		case event, ok := <-phones:
			if !ok {
				return
			}
			writeSSE(w, "phone_update", event.Payload)
			flusher.Flush()
		case event, ok := <-logs:
			if !ok {
				return
			}
			writeSSE(w, "log", event.Payload)
			flusher.Flush()
		case event, ok := <-results:
			if !ok {
				return
			}
			writeSSE(w, "results", event.Payload)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.ErrorErr(log.CatAPI, "failed to marshal SSE payload", err, "event", event)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// === Provider discovery ===

// ProviderGroups lists the phone groups visible to the caller's token.
// GET /provider/groups
func (h *Handler) ProviderGroups(w http.ResponseWriter, r *http.Request) {
	token, ok := h.requireToken(w, r)
	if !ok {
		return
	}
	groups, err := h.discovery.Groups(r.Context(), token)
	if err != nil {
		h.writeProviderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, groups)
}

// ProviderFlows lists the caller's custom task flows.
// GET /provider/flows
func (h *Handler) ProviderFlows(w http.ResponseWriter, r *http.Request) {
	token, ok := h.requireToken(w, r)
	if !ok {
		return
	}
	flows, err := h.discovery.TaskFlows(r.Context(), token)
	if err != nil {
		h.writeProviderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, flows)
}

// ProviderApps lists the installable marketplace apps.
// GET /provider/apps
func (h *Handler) ProviderApps(w http.ResponseWriter, r *http.Request) {
	token, ok := h.requireToken(w, r)
	if !ok {
		return
	}
	apps, err := h.discovery.MarketplaceApps(r.Context(), token)
	if err != nil {
		h.writeProviderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apps)
}

// requireToken extracts the provider token from the Authorization header.
// Only the Bearer scheme is accepted.
func (h *Handler) requireToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, rest, found := strings.Cut(auth, " ")
	token := strings.TrimSpace(rest)
	if !found || scheme != "Bearer" || token == "" {
		h.writeError(w, http.StatusUnauthorized, "missing_token", "Authorization: Bearer <token> is required", "")
		return "", false
	}
	return token, true
}

func (h *Handler) writeProviderError(w http.ResponseWriter, err error) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		h.writeError(w, http.StatusBadGateway, "provider_error", apiErr.Msg, fmt.Sprintf("code %d", apiErr.Code))
		return
	}
	h.writeError(w, http.StatusBadGateway, "provider_unreachable", "Provider request failed", err.Error())
}

// === Helpers ===

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
