// Package api provides the HTTP handlers and routing for the broker service.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"computebroker/internal/apperrors"
	"computebroker/internal/health"
	"computebroker/internal/job"
	"computebroker/internal/orchestrator/docker"
	"computebroker/internal/results"
	"computebroker/internal/store"
	"computebroker/pkg/circuitbreaker"
	"computebroker/pkg/sanitize"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// ResultFetcher authorizes and streams result downloads.
type ResultFetcher interface {
	Fetch(ctx context.Context, req *results.FetchRequest) (*results.Download, error)
	BreakerStats() circuitbreaker.Stats
}

// EnvironmentDirectory lists and registers compute environments.
type EnvironmentDirectory interface {
	ListEnvironments(ctx context.Context, chainID string) ([]store.Environment, error)
	UpsertEnvironment(ctx context.Context, namespace string, status json.RawMessage) error
}

// WorkloadViewer is the admin-facing view of orchestrator workloads.
type WorkloadViewer interface {
	ListRunning(ctx context.Context) ([]docker.Workload, error)
	Inspect(ctx context.Context, jobID string) ([]docker.WorkloadDetail, error)
	Logs(ctx context.Context, jobID, component string) (string, error)
}

// Handler contains the HTTP handlers for the broker API.
type Handler struct {
	svc       *job.Service
	fetcher   ResultFetcher
	envs      EnvironmentDirectory
	workloads WorkloadViewer
	health    *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(svc *job.Service, fetcher ResultFetcher, envs EnvironmentDirectory, workloads WorkloadViewer, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:       svc,
		fetcher:   fetcher,
		envs:      envs,
		workloads: workloads,
		health:    healthChecker,
	}
}

// SubmitJob handles POST /api/v1/compute.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	// Callers always receive a job list, even for a single admission.
	h.writeSanitizedJSON(w, http.StatusOK, []job.Job{*created})
}

// QueryStatus handles GET /api/v1/compute.
func (h *Handler) QueryStatus(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	nonce, err := parseNonce(params.Get("nonce"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	jobs, err := h.svc.QueryStatus(r.Context(), &job.StatusQuery{
		AgreementID:       params.Get("agreementId"),
		JobID:             params.Get("jobId"),
		Owner:             params.Get("owner"),
		ChainID:           params.Get("chainId"),
		ProviderSignature: params.Get("providerSignature"),
		Nonce:             nonce,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeSanitizedJSON(w, http.StatusOK, jobs)
}

// StopJob handles PUT /api/v1/compute.
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	_, jobs, err := h.svc.RequestStop(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeSanitizedJSON(w, http.StatusOK, jobs)
}

// GetResult handles GET /api/v1/getResult. The response body is the result
// bytes streamed from the publishing upstream, not JSON.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	nonce, err := parseNonce(params.Get("nonce"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	index := 0
	if raw := params.Get("index"); raw != "" {
		index, err = strconv.Atoi(raw)
		if err != nil {
			h.handleError(w, r, apperrors.Validation("index", "index must be an integer"))
			return
		}
	}

	dl, err := h.fetcher.Fetch(r.Context(), &results.FetchRequest{
		JobID:     params.Get("jobId"),
		Index:     index,
		Owner:     params.Get("owner"),
		Provider:  params.Get("providerAddress"),
		Signature: params.Get("providerSignature"),
		Nonce:     nonce,
		Range:     r.Header.Get("Range"),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer dl.Body.Close()

	for name, values := range dl.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(dl.StatusCode)
	if _, err := io.Copy(w, dl.Body); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		slog.WarnContext(r.Context(), "Result stream interrupted", "error", err)
	}
}

// RunningJobs handles GET /api/v1/runningjobs. Unauthenticated by design:
// the listing carries derived references only, no payloads or secrets.
func (h *Handler) RunningJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.ListRunning(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeSanitizedJSON(w, http.StatusOK, jobs)
}

// Environments handles GET /api/v1/environments.
func (h *Handler) Environments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.envs.ListEnvironments(r.Context(), r.URL.Query().Get("chainId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if envs == nil {
		envs = []store.Environment{}
	}
	h.writeSanitizedJSON(w, http.StatusOK, envs)
}

// AdminInfo handles GET /api/v1/admin/info. With a jobId it inspects that
// job's workloads; without one it reports broker internals.
func (h *Handler) AdminInfo(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		h.writeJSON(w, http.StatusOK, map[string]any{
			"upstreamBreakers": h.fetcher.BreakerStats(),
		})
		return
	}

	details, err := h.workloads.Inspect(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"jobId":     jobID,
		"workloads": details,
	})
}

// AdminLogs handles GET /api/v1/admin/logs.
func (h *Handler) AdminLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "jobId parameter is required")
		return
	}
	component := r.URL.Query().Get("component")

	logs, err := h.workloads.Logs(r.Context(), jobID, component)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"jobId":     jobID,
		"component": component,
		"logs":      logs,
	})
}

// AdminList handles GET /api/v1/admin/list.
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	workloads, err := h.workloads.ListRunning(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if workloads == nil {
		workloads = []docker.Workload{}
	}
	h.writeJSON(w, http.StatusOK, workloads)
}

// AdminRemove handles DELETE /api/v1/admin/compute.
func (h *Handler) AdminRemove(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	_, jobs, err := h.svc.RequestRemove(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeSanitizedJSON(w, http.StatusOK, jobs)
}

// environmentRegistration is an orchestrator heartbeat payload.
type environmentRegistration struct {
	Namespace string          `json:"namespace"`
	Status    json.RawMessage `json:"status"`
}

// RegisterEnvironment handles POST /api/v1/admin/environments.
func (h *Handler) RegisterEnvironment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var reg environmentRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if reg.Namespace == "" {
		h.writeError(w, http.StatusBadRequest, "namespace is required")
		return
	}

	if err := h.envs.UpsertEnvironment(r.Context(), reg.Namespace, reg.Status); err != nil {
		h.handleError(w, r, apperrors.Internal("api.registerEnvironment", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a required dependency is unavailable or the service is
// draining.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.ServesTraffic() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// parseNonce reads the nonce query parameter. Absent stays zero; the service
// layers decide whether that is acceptable.
func parseNonce(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	nonce, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperrors.Validation("nonce", "nonce must be a positive integer")
	}
	return nonce, nil
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeSanitizedJSON writes data with every numeric leaf stringified, the
// form cross-runtime callers expect.
func (h *Handler) writeSanitizedJSON(w http.ResponseWriter, status int, data any) {
	tree, err := sanitize.JSON(data)
	if err != nil {
		slog.Error("Failed to sanitize response", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, status, tree)
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to HTTP status codes. Internal detail never
// reaches the caller.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
		h.writeError(w, status, "internal server error")
		return
	}
	slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	h.writeError(w, status, err.Error())
}
