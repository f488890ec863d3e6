package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/domain"
	"github.com/mcpfed/federation-gateway/internal/proxy"
	"github.com/mcpfed/federation-gateway/internal/ratelimit"
	"github.com/mcpfed/federation-gateway/internal/translation"
	"github.com/mcpfed/federation-gateway/internal/workflow"
)

// Handler wires the federation core into the HTTP surface.
type Handler struct {
	limiter     *ratelimit.Limiter
	translation *translation.Engine
	workflows   *workflow.Engine
	proxy       *proxy.Proxy
	logger      *slog.Logger
}

// NewHandler creates the route handler over the core components.
func NewHandler(limiter *ratelimit.Limiter, te *translation.Engine, we *workflow.Engine, px *proxy.Proxy, logger *slog.Logger) *Handler {
	return &Handler{
		limiter:     limiter,
		translation: te,
		workflows:   we,
		proxy:       px,
		logger:      logger,
	}
}

// Mount registers all gateway routes on the router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/health/translation", h.handleTranslationHealth)
	r.Get("/health/workflows", h.handleWorkflowHealth)
	r.Get("/health/proxy", h.handleProxyHealth)
	r.Get("/metrics", h.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/translate", h.handleTranslate)
		r.Get("/translate/history", h.handleTranslationHistory)

		r.Post("/proxy/{serverID}", h.handleProxy)

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", h.handleCreateWorkflow)
			r.Get("/", h.handleListWorkflows)
			r.Get("/{workflowID}", h.handleGetWorkflow)
			r.Post("/{workflowID}/execute", h.handleExecuteWorkflow)
			r.Post("/{workflowID}/cancel", h.handleCancelWorkflow)
			r.Get("/{workflowID}/status", h.handleWorkflowStatus)
		})

		r.Get("/ratelimit/status", h.handleRateLimitStatus)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"translation": h.translation.Health(),
		"workflows":   h.workflows.Health(),
		"proxy":       h.proxy.Health(),
	})
}

func (h *Handler) handleTranslationHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.translation.Health())
}

func (h *Handler) handleWorkflowHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.workflows.Health())
}

func (h *Handler) handleProxyHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.proxy.Health())
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"translation": h.translation.Stats(),
		"workflows":   h.workflows.Stats(),
		"proxy":       h.proxy.Stats(),
		"pool":        h.proxy.Pool().Stats(),
		"rate_limits": h.limiter.GlobalStatus(),
	})
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req domain.TranslationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrValidation("body", "invalid JSON request body").WithCause(err))
		return
	}
	if req.ClientID == uuid.Nil {
		req.ClientID = GetClientID(r.Context())
	}

	resp, err := h.translation.TranslateSchema(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTranslationHistory(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source_version")
	target := r.URL.Query().Get("target_version")
	if source == "" || target == "" {
		h.writeError(w, r, domain.ErrValidation("source_version", "source_version and target_version are required"))
		return
	}

	records, err := h.translation.History(r.Context(), source, target)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source_version": source,
		"target_version": target,
		"records":        records,
	})
}

// proxyBody is the client-facing shape of a proxied call; the server id
// comes from the URL.
type proxyBody struct {
	Path          string            `json:"path"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	SourceVersion string            `json:"source_version,omitempty"`
	TargetVersion string            `json:"target_version,omitempty"`
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	serverID, err := uuid.Parse(chi.URLParam(r, "serverID"))
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("server_id", "server id must be a UUID"))
		return
	}

	var body proxyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, domain.ErrValidation("body", "invalid JSON request body").WithCause(err))
		return
	}

	resp, err := h.proxy.ProxyRequest(r.Context(), proxy.Request{
		ServerID:      serverID,
		Path:          body.Path,
		Method:        body.Method,
		Headers:       body.Headers,
		Body:          body.Body,
		SourceVersion: body.SourceVersion,
		TargetVersion: body.TargetVersion,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf domain.FederatedWorkflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		h.writeError(w, r, domain.ErrValidation("body", "invalid JSON request body").WithCause(err))
		return
	}
	if wf.ClientID == uuid.Nil {
		wf.ClientID = GetClientID(r.Context())
	}

	created, err := h.workflows.CreateWorkflow(r.Context(), &wf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "workflow_id", created.ID.String())
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	clientID := GetClientID(r.Context())
	if raw := r.URL.Query().Get("client_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, r, domain.ErrValidation("client_id", "client id must be a UUID"))
			return
		}
		clientID = parsed
	}

	workflows, err := h.workflows.ListWorkflows(r.Context(), clientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (h *Handler) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("workflow_id", "workflow id must be a UUID"))
		return
	}

	wf, err := h.workflows.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("workflow_id", "workflow id must be a UUID"))
		return
	}
	AddLogField(r.Context(), "workflow_id", workflowID.String())

	exec, err := h.workflows.ExecuteWorkflow(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("workflow_id", "workflow id must be a UUID"))
		return
	}

	if err := h.workflows.CancelWorkflow(r.Context(), workflowID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": workflowID,
		"status":      "cancellation_requested",
	})
}

func (h *Handler) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	workflowID, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("workflow_id", "workflow id must be a UUID"))
		return
	}

	exec, err := h.workflows.GetStatus(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.limiter.ClientStatus(GetClientID(r.Context())))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe := domain.AsError(err)
	AddError(r.Context(), err)
	writeJSON(w, fe.HTTPStatusCode(), map[string]any{"error": fe})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
