package api

import (
	"net/http"

	"computebroker/internal/health"
	"computebroker/internal/job"
	"computebroker/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Fetcher       ResultFetcher
	Environments  EnvironmentDirectory
	Workloads     WorkloadViewer
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	AllowedAdmins []string
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Fetcher, cfg.Environments, cfg.Workloads, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Provider endpoints - request-level signature auth inside the services
	mux.HandleFunc("POST /api/v1/compute", handler.SubmitJob)
	mux.HandleFunc("GET /api/v1/compute", handler.QueryStatus)
	mux.HandleFunc("PUT /api/v1/compute", handler.StopJob)
	mux.HandleFunc("GET /api/v1/getResult", handler.GetResult)
	mux.HandleFunc("GET /api/v1/runningjobs", handler.RunningJobs)
	mux.HandleFunc("GET /api/v1/environments", handler.Environments)

	// Admin endpoints - Admin header allow-list
	adminMiddleware := AdminMiddleware(cfg.AllowedAdmins)
	mux.Handle("GET /api/v1/admin/info", adminMiddleware(http.HandlerFunc(handler.AdminInfo)))
	mux.Handle("GET /api/v1/admin/logs", adminMiddleware(http.HandlerFunc(handler.AdminLogs)))
	mux.Handle("GET /api/v1/admin/list", adminMiddleware(http.HandlerFunc(handler.AdminList)))
	mux.Handle("DELETE /api/v1/admin/compute", adminMiddleware(http.HandlerFunc(handler.AdminRemove)))
	mux.Handle("POST /api/v1/admin/environments", adminMiddleware(http.HandlerFunc(handler.RegisterEnvironment)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
