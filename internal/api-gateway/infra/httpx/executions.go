package httpx

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/api-gateway/core/ports"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
)

// activeStatuses is what GET /executions lists without a status filter.
var activeStatuses = []coordinator.Status{
	coordinator.StatusCreated,
	coordinator.StatusRunning,
	coordinator.StatusPaused,
	coordinator.StatusCompensating,
}

// OpsHandler exposes saga executions and process health.
type OpsHandler struct {
	executions ports.ExecutionService
	health     ports.HealthRegistry
	logger     *slog.Logger
}

func NewOpsHandler(executions ports.ExecutionService, health ports.HealthRegistry, logger *slog.Logger) *OpsHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OpsHandler{executions: executions, health: health, logger: logger}
}

// ListExecutions accepts repeated, case-insensitive ?status= filters.
func (h *OpsHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	statuses := activeStatuses
	if q := r.URL.Query()["status"]; len(q) > 0 {
		statuses = make([]coordinator.Status, len(q))
		for i, s := range q {
			statuses[i] = coordinator.Status(strings.ToUpper(s))
		}
	}

	execs, err := h.executions.List(r.Context(), statuses...)
	if err != nil {
		h.fail(w, r, "list executions", err)
		return
	}
	out := make([]ExecutionResponse, 0, len(execs))
	for _, e := range execs {
		resp, err := mapExecutionToResponse(e)
		if err != nil {
			h.fail(w, r, "list executions", err)
			return
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OpsHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	exec, err := h.executions.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get execution", err)
		return
	}
	h.writeExecution(w, r, http.StatusOK, exec)
}

func (h *OpsHandler) ExecutionHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.executions.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, "execution history", err)
		return
	}
	writeJSON(w, http.StatusOK, mapHistory(entries))
}

// CancelExecution requests cancellation; compensation starts at the next
// step boundary.
func (h *OpsHandler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	exec, err := h.executions.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, "cancel execution", err)
		return
	}
	h.logger.InfoContext(r.Context(), "execution cancel requested",
		slog.String("execution_id", id.String()),
		slog.String("status", string(exec.Status)),
	)
	h.writeExecution(w, r, http.StatusAccepted, exec)
}

// Liveness always answers 200 while the process serves HTTP.
func (h *OpsHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readiness answers 503 when any registered dependency is unhealthy.
func (h *OpsHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	results := h.health.CheckAll(r.Context())

	resp := HealthResponse{Status: "ok", Components: make(map[string]string, len(results))}
	status := http.StatusOK
	for name, err := range results {
		if err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func (h *OpsHandler) writeExecution(w http.ResponseWriter, r *http.Request, status int, exec *coordinator.Execution) {
	resp, err := mapExecutionToResponse(exec)
	if err != nil {
		h.fail(w, r, "encode execution", err)
		return
	}
	writeJSON(w, status, resp)
}

func (h *OpsHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("operation", op),
			slog.Any("error", err),
		)
	}
	writeError(w, status, code, err.Error())
}
