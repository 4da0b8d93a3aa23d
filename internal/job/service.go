package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"computebroker/internal/apperrors"
	"computebroker/internal/observability"
	"computebroker/internal/workflow"

	"github.com/google/uuid"
)

// minIdentifierLength mirrors the boundary convention: identifiers shorter
// than this are treated as absent rather than rejected.
const minIdentifierLength = 2

// Service carries job admission, stop/remove requests, and status queries.
//
// The Service is stateless - job state lives in the ledger, replay state in
// the authenticator's nonce ledger. The duplicate-agreement pre-check here is
// best-effort; the ledger's insert is the authoritative serialization point.
type Service struct {
	ledger  Ledger
	envs    EnvironmentRegistry
	auth    Authenticator
	metrics *observability.Metrics
}

// NewService creates a new job service.
func NewService(ledger Ledger, envs EnvironmentRegistry, auth Authenticator, metrics *observability.Metrics) *Service {
	return &Service{
		ledger:  ledger,
		envs:    envs,
		auth:    auth,
		metrics: metrics,
	}
}

// SubmitRequest is a job submission.
type SubmitRequest struct {
	AgreementID       string             `json:"agreementId"`
	Owner             string             `json:"owner"`
	ProviderSignature string             `json:"providerSignature"`
	Nonce             uint64             `json:"nonce"`
	Environment       string             `json:"environment"`
	ChainID           string             `json:"chainId"`
	Workflow          *workflow.Workflow `json:"workflow"`
}

// Submit validates and admits a new job. Each step short-circuits with no
// partial persistence. On success the returned Job is the post-insert
// read-back, so callers observe the ledger's canonical view.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Job, error) {
	if err := s.validateSubmit(req); err != nil {
		s.recordRejection(ctx, "validation")
		return nil, err
	}

	req.Workflow.ChainID = req.ChainID
	if err := req.Workflow.Validate(); err != nil {
		s.recordRejection(ctx, "validation")
		return nil, err
	}

	logger := slog.With("agreementId", req.AgreementID, "owner", req.Owner)

	// Best-effort duplicate guard; the ledger's unique index settles races.
	unfinished, err := s.ledger.ListUnfinished(ctx)
	if err != nil {
		return nil, apperrors.Internal("job.listUnfinished", err)
	}
	for _, j := range unfinished {
		if j.AgreementID == req.AgreementID {
			s.recordRejection(ctx, "duplicate_agreement")
			return nil, apperrors.Policy("agreement", "agreementId already in use for another job")
		}
	}

	eligible, err := s.envs.Eligible(ctx, req.Environment, req.ChainID)
	if err != nil {
		return nil, apperrors.Internal("job.checkEnvironment", err)
	}
	if !eligible {
		s.recordRejection(ctx, "environment")
		return nil, apperrors.Policy("environment", "environment invalid or does not exist")
	}

	provider, err := s.auth.Authenticate(ctx, req.ProviderSignature, req.Owner, req.Nonce)
	if err != nil {
		s.recordAuthFailure(ctx)
		return nil, err
	}

	jobID := uuid.NewString()
	spec := workflow.BuildSpecification(req.Workflow, jobID, req.Environment)
	specDoc, err := json.Marshal(spec)
	if err != nil {
		return nil, apperrors.Internal("job.marshalSpecification", err)
	}

	err = s.ledger.CreateJob(ctx, CreateParams{
		AgreementID:   req.AgreementID,
		JobID:         jobID,
		Owner:         req.Owner,
		Provider:      provider,
		Environment:   req.Environment,
		Specification: specDoc,
	})
	if errors.Is(err, ErrDuplicateAgreement) {
		s.recordRejection(ctx, "duplicate_agreement")
		return nil, apperrors.Policy("agreement", "agreementId already in use for another job")
	}
	if err != nil {
		return nil, apperrors.Internal("job.createJob", err)
	}

	created, err := s.ledger.QueryJobs(ctx, Filter{
		AgreementID: req.AgreementID,
		JobID:       jobID,
		Owner:       req.Owner,
	})
	if err != nil {
		return nil, apperrors.Internal("job.readBack", err)
	}
	if len(created) != 1 {
		return nil, apperrors.Internal("job.readBack",
			fmt.Errorf("expected 1 job for %s/%s, got %d", req.AgreementID, jobID, len(created)))
	}

	if s.metrics != nil {
		s.metrics.RecordSubmission(ctx, req.Environment)
	}
	logger.Info("Job created", "jobId", jobID, "provider", provider)

	return &created[0], nil
}

func (s *Service) validateSubmit(req *SubmitRequest) error {
	if req == nil {
		return apperrors.Validation("body", "payload seems empty")
	}
	required := []struct {
		field   string
		missing bool
	}{
		{"agreementId", req.AgreementID == ""},
		{"owner", req.Owner == ""},
		{"providerSignature", req.ProviderSignature == ""},
		{"environment", req.Environment == ""},
		{"nonce", req.Nonce == 0},
	}
	for _, r := range required {
		if r.missing {
			return apperrors.Validation(r.field, fmt.Sprintf("%q is required", r.field))
		}
	}
	if req.Workflow == nil {
		return apperrors.Validation("workflow",
			"workflow is required in the payload and must include workflow stages")
	}
	return nil
}

// StopRequest asks that jobs matching the identifiers stop (or be removed).
type StopRequest struct {
	AgreementID       string `json:"agreementId"`
	JobID             string `json:"jobId"`
	Owner             string `json:"owner"`
	ProviderSignature string `json:"providerSignature"`
	Nonce             uint64 `json:"nonce"`
	ChainID           string `json:"chainId"`
}

// RequestStop marks matching jobs stop-requested. The flag is advisory:
// actual cessation is the orchestrator's responsibility, out of band.
// Returns the affected job identifiers and their refreshed records.
func (s *Service) RequestStop(ctx context.Context, req *StopRequest) ([]string, []Job, error) {
	return s.flagJobs(ctx, req, "stop", s.ledger.MarkStopRequested)
}

// RequestRemove marks matching jobs removed. Operator-internal: this
// operation is only reachable through the admin surface.
func (s *Service) RequestRemove(ctx context.Context, req *StopRequest) ([]string, []Job, error) {
	return s.flagJobs(ctx, req, "remove", s.ledger.MarkRemoved)
}

func (s *Service) flagJobs(ctx context.Context, req *StopRequest, op string, mark func(context.Context, string) error) ([]string, []Job, error) {
	if req == nil {
		return nil, nil, apperrors.Validation("body", "payload seems empty")
	}
	if req.ProviderSignature == "" {
		return nil, nil, apperrors.Validation("providerSignature", `"providerSignature" is required`)
	}
	if req.Nonce == 0 {
		return nil, nil, apperrors.Validation("nonce", `"nonce" is required`)
	}

	owner := strings.TrimSpace(req.Owner)
	if len(owner) < minIdentifierLength {
		return nil, nil, apperrors.Validation("owner", "owner is invalid or missing")
	}
	agreementID := normalizeIdentifier(req.AgreementID)
	jobID := normalizeIdentifier(req.JobID)
	if agreementID == "" && jobID == "" {
		return nil, nil, apperrors.Validation("jobId", "specify one of agreementId or jobId")
	}

	message := owner
	if jobID != "" {
		message = owner + jobID
	}
	if _, err := s.auth.Authenticate(ctx, req.ProviderSignature, message, req.Nonce); err != nil {
		s.recordAuthFailure(ctx)
		return nil, nil, err
	}

	filter := Filter{AgreementID: agreementID, JobID: jobID, Owner: owner}
	ids, err := s.ledger.JobIDs(ctx, filter)
	if err != nil {
		return nil, nil, apperrors.Internal("job.resolveIDs", err)
	}

	for _, id := range ids {
		if err := mark(ctx, id); err != nil {
			return nil, nil, apperrors.Internal("job."+op, err)
		}
		slog.Info("Job flagged", "op", op, "jobId", id, "owner", owner)
	}
	if s.metrics != nil {
		s.metrics.RecordLifecycleFlags(ctx, op, len(ids))
	}

	jobs, err := s.ledger.QueryJobs(ctx, Filter{
		AgreementID: agreementID,
		JobID:       jobID,
		Owner:       owner,
		ChainID:     req.ChainID,
	})
	if err != nil {
		return nil, nil, apperrors.Internal("job.refreshStatus", err)
	}
	return ids, jobs, nil
}

// StatusQuery selects jobs for a status lookup.
type StatusQuery struct {
	AgreementID       string
	JobID             string
	Owner             string
	ChainID           string
	ProviderSignature string
	Nonce             uint64
}

// QueryStatus returns the jobs matching the query. At least one of
// agreementId, jobId, or owner is required. A lookup naming a jobId is the
// one path exposing full job detail, so it must carry a valid signature over
// owner concatenated with jobId.
func (s *Service) QueryStatus(ctx context.Context, q *StatusQuery) ([]Job, error) {
	if q == nil {
		return nil, apperrors.Validation("query", "you must specify one of agreementId, jobId, or owner")
	}

	filter := Filter{
		AgreementID: normalizeIdentifier(q.AgreementID),
		JobID:       normalizeIdentifier(q.JobID),
		Owner:       normalizeIdentifier(q.Owner),
		ChainID:     q.ChainID,
	}
	if filter.Empty() {
		return nil, apperrors.Validation("query", "you must specify one of agreementId, jobId, or owner")
	}

	if filter.JobID != "" {
		identity, err := s.auth.Authenticate(ctx, q.ProviderSignature, filter.Owner+filter.JobID, q.Nonce)
		if err != nil {
			s.recordAuthFailure(ctx)
			return nil, err
		}
		slog.Debug("Valid signature for status lookup", "provider", identity, "jobId", filter.JobID)
	}

	jobs, err := s.ledger.QueryJobs(ctx, filter)
	if err != nil {
		return nil, apperrors.Internal("job.queryStatus", err)
	}
	return jobs, nil
}

// ListRunning returns all unfinished jobs with algorithm and input references
// derived from their stored specification documents. No authentication; this
// feeds the administrative running-jobs listing.
func (s *Service) ListRunning(ctx context.Context) ([]Job, error) {
	jobs, err := s.ledger.ListUnfinished(ctx)
	if err != nil {
		return nil, apperrors.Internal("job.listRunning", err)
	}
	for i := range jobs {
		hydrateFromSpecification(&jobs[i])
	}
	return jobs, nil
}

// hydrateFromSpecification fills the derived fields from the stored document.
// A malformed document is logged and skipped, never fatal to the listing.
func hydrateFromSpecification(j *Job) {
	if len(j.Specification) == 0 {
		return
	}
	var spec workflow.Specification
	if err := json.Unmarshal(j.Specification, &spec); err != nil || spec.Spec.Metadata == nil {
		slog.Warn("Skipping malformed specification document", "jobId", j.JobID, "error", err)
		return
	}
	wf := spec.Spec.Metadata
	if j.ChainID == "" {
		j.ChainID = wf.ChainID
	}
	j.AlgorithmRef = wf.AlgorithmRef()
	j.InputRefs = wf.InputRefs()
}

func normalizeIdentifier(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < minIdentifierLength {
		return ""
	}
	return v
}

func (s *Service) recordRejection(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.RecordAdmissionRejected(ctx, reason)
	}
}

func (s *Service) recordAuthFailure(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(ctx)
	}
}
