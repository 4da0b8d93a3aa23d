package job

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"computebroker/internal/apperrors"
	"computebroker/internal/workflow"
)

type memLedger struct {
	jobs          []Job
	createErr     error
	createdParams []CreateParams
}

func (m *memLedger) CreateJob(_ context.Context, p CreateParams) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.createdParams = append(m.createdParams, p)
	m.jobs = append(m.jobs, Job{
		AgreementID:   p.AgreementID,
		JobID:         p.JobID,
		Owner:         p.Owner,
		Provider:      p.Provider,
		Status:        StatusWarmingUp,
		StatusText:    StatusWarmingUp.Text(),
		Environment:   p.Environment,
		Specification: p.Specification,
	})
	return nil
}

func (m *memLedger) QueryJobs(_ context.Context, f Filter) ([]Job, error) {
	var out []Job
	for _, j := range m.jobs {
		if f.AgreementID != "" && j.AgreementID != f.AgreementID {
			continue
		}
		if f.JobID != "" && j.JobID != f.JobID {
			continue
		}
		if f.Owner != "" && j.Owner != f.Owner {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (m *memLedger) ListUnfinished(_ context.Context) ([]Job, error) {
	var out []Job
	for _, j := range m.jobs {
		if j.Unfinished() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memLedger) JobIDs(ctx context.Context, f Filter) ([]string, error) {
	jobs, _ := m.QueryJobs(ctx, f)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.JobID)
	}
	return ids, nil
}

func (m *memLedger) MarkStopRequested(_ context.Context, jobID string) error {
	for i := range m.jobs {
		if m.jobs[i].JobID == jobID {
			m.jobs[i].StopRequested = true
		}
	}
	return nil
}

func (m *memLedger) MarkRemoved(_ context.Context, jobID string) error {
	for i := range m.jobs {
		if m.jobs[i].JobID == jobID {
			m.jobs[i].Removed = true
		}
	}
	return nil
}

type fakeEnvs struct {
	eligible bool
	err      error
}

func (f *fakeEnvs) Eligible(context.Context, string, string) (bool, error) {
	return f.eligible, f.err
}

type fakeAuth struct {
	identity string
	err      error
	messages []string
	calls    int
}

func (f *fakeAuth) Authenticate(_ context.Context, _, message string, _ uint64) (string, error) {
	f.calls++
	f.messages = append(f.messages, message)
	if f.err != nil {
		return "", f.err
	}
	return f.identity, nil
}

func validWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Stages: []workflow.Stage{{
			Index:     0,
			Algorithm: &workflow.Algorithm{ID: "did:op:algo"},
			Compute:   map[string]any{"Instances": 1},
			Input:     []workflow.Input{{ID: "did:op:input"}},
			Output:    &workflow.Output{},
		}},
	}
}

func validSubmit() *SubmitRequest {
	return &SubmitRequest{
		AgreementID:       "0xagreement",
		Owner:             "0xOwner",
		ProviderSignature: "0xsig",
		Nonce:             1,
		Environment:       "env1",
		ChainID:           "8996",
		Workflow:          validWorkflow(),
	}
}

func newService(ledger *memLedger, envs *fakeEnvs, authn *fakeAuth) *Service {
	return NewService(ledger, envs, authn, nil)
}

func TestSubmit_RequiredFieldsInOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field  string
		mutate func(*SubmitRequest)
	}{
		{"agreementId", func(r *SubmitRequest) { r.AgreementID = "" }},
		{"owner", func(r *SubmitRequest) { r.Owner = "" }},
		{"providerSignature", func(r *SubmitRequest) { r.ProviderSignature = "" }},
		{"environment", func(r *SubmitRequest) { r.Environment = "" }},
		{"nonce", func(r *SubmitRequest) { r.Nonce = 0 }},
		{"workflow", func(r *SubmitRequest) { r.Workflow = nil }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.field, func(t *testing.T) {
			t.Parallel()
			svc := newService(&memLedger{}, &fakeEnvs{eligible: true}, &fakeAuth{identity: "0xProv"})
			req := validSubmit()
			tt.mutate(req)

			_, err := svc.Submit(context.Background(), req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error to name %q, got %q", tt.field, err.Error())
			}
		})
	}
}

func TestSubmit_MultiStageRejected(t *testing.T) {
	t.Parallel()

	svc := newService(&memLedger{}, &fakeEnvs{eligible: true}, &fakeAuth{identity: "0xProv"})
	req := validSubmit()
	req.Workflow.Stages = append(req.Workflow.Stages, req.Workflow.Stages[0])

	_, err := svc.Submit(context.Background(), req)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "multiple stages are not supported") {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestSubmit_DuplicateAgreementPreCheck(t *testing.T) {
	t.Parallel()

	ledger := &memLedger{jobs: []Job{{AgreementID: "0xagreement", JobID: "job-0", Owner: "0xOwner"}}}
	authn := &fakeAuth{identity: "0xProv"}
	svc := newService(ledger, &fakeEnvs{eligible: true}, authn)

	_, err := svc.Submit(context.Background(), validSubmit())
	if !errors.Is(err, apperrors.ErrPolicy) {
		t.Fatalf("Expected policy error, got %v", err)
	}
	// The rejection happens before the nonce would be consumed.
	if authn.calls != 0 {
		t.Errorf("Expected no authentication attempt, got %d", authn.calls)
	}
}

func TestSubmit_FinishedAgreementReusable(t *testing.T) {
	t.Parallel()

	finished := 1700000000.0
	ledger := &memLedger{jobs: []Job{{
		AgreementID: "0xagreement", JobID: "job-0", Owner: "0xOwner", DateFinished: &finished,
	}}}
	svc := newService(ledger, &fakeEnvs{eligible: true}, &fakeAuth{identity: "0xProv"})

	if _, err := svc.Submit(context.Background(), validSubmit()); err != nil {
		t.Fatalf("Expected finished agreement to be reusable, got %v", err)
	}
}

func TestSubmit_InsertRaceReportsPolicy(t *testing.T) {
	t.Parallel()

	ledger := &memLedger{createErr: ErrDuplicateAgreement}
	svc := newService(ledger, &fakeEnvs{eligible: true}, &fakeAuth{identity: "0xProv"})

	_, err := svc.Submit(context.Background(), validSubmit())
	if !errors.Is(err, apperrors.ErrPolicy) {
		t.Fatalf("Expected policy error on insert race, got %v", err)
	}
}

func TestSubmit_EnvironmentIneligible(t *testing.T) {
	t.Parallel()

	svc := newService(&memLedger{}, &fakeEnvs{eligible: false}, &fakeAuth{identity: "0xProv"})

	_, err := svc.Submit(context.Background(), validSubmit())
	if !errors.Is(err, apperrors.ErrPolicy) {
		t.Fatalf("Expected policy error, got %v", err)
	}
	if !strings.Contains(err.Error(), "environment") {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestSubmit_AuthenticationFailure(t *testing.T) {
	t.Parallel()

	authn := &fakeAuth{err: apperrors.Unauthorized("invalid signature")}
	svc := newService(&memLedger{}, &fakeEnvs{eligible: true}, authn)

	_, err := svc.Submit(context.Background(), validSubmit())
	if !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("Expected unauthorized, got %v", err)
	}
}

func TestSubmit_Success(t *testing.T) {
	t.Parallel()

	ledger := &memLedger{}
	authn := &fakeAuth{identity: "0xProv"}
	svc := newService(ledger, &fakeEnvs{eligible: true}, authn)

	created, err := svc.Submit(context.Background(), validSubmit())
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	if created.JobID == "" {
		t.Error("Expected a minted job id")
	}
	if created.Provider != "0xProv" {
		t.Errorf("Expected recovered provider on the job, got %q", created.Provider)
	}
	if created.Status != StatusWarmingUp {
		t.Errorf("Expected warming-up status, got %v", created.Status)
	}
	if len(authn.messages) != 1 || authn.messages[0] != "0xOwner" {
		t.Errorf("Expected signature over the bare owner, got %v", authn.messages)
	}

	// The stored document carries the chain id and a per-job secret.
	var spec workflow.Specification
	if err := json.Unmarshal(ledger.createdParams[0].Specification, &spec); err != nil {
		t.Fatalf("Failed to decode stored specification: %v", err)
	}
	if spec.Spec.Metadata.ChainID != "8996" {
		t.Errorf("Expected chainId in the stored document, got %q", spec.Spec.Metadata.ChainID)
	}
	if spec.Metadata.Secret == "" {
		t.Error("Expected a generated secret in the stored document")
	}
	if spec.Metadata.Labels[workflow.LabelWorkflow] != created.JobID {
		t.Error("Expected the workflow label to bind the document to the job id")
	}
}

func TestRequestStop_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  *StopRequest
		want string
	}{
		{
			name: "missing signature",
			req:  &StopRequest{Owner: "0xOwner", JobID: "job-1", Nonce: 1},
			want: "providerSignature",
		},
		{
			name: "missing nonce",
			req:  &StopRequest{Owner: "0xOwner", JobID: "job-1", ProviderSignature: "0xsig"},
			want: "nonce",
		},
		{
			name: "owner too short",
			req:  &StopRequest{Owner: "x", JobID: "job-1", ProviderSignature: "0xsig", Nonce: 1},
			want: "owner",
		},
		{
			name: "no identifiers",
			req:  &StopRequest{Owner: "0xOwner", ProviderSignature: "0xsig", Nonce: 1},
			want: "agreementId or jobId",
		},
		{
			name: "identifiers below minimum length treated as absent",
			req:  &StopRequest{Owner: "0xOwner", JobID: " x ", AgreementID: "y", ProviderSignature: "0xsig", Nonce: 1},
			want: "agreementId or jobId",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := newService(&memLedger{}, &fakeEnvs{}, &fakeAuth{identity: "0xProv"})
			_, _, err := svc.RequestStop(context.Background(), tt.req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %q", tt.want, err.Error())
			}
		})
	}
}

func TestRequestStop_SignedMessageShape(t *testing.T) {
	t.Parallel()

	ledger := &memLedger{jobs: []Job{{AgreementID: "0xa", JobID: "job-1", Owner: "0xOwner"}}}

	// With a jobId the message is owner+jobId.
	authn := &fakeAuth{identity: "0xProv"}
	svc := newService(ledger, &fakeEnvs{}, authn)
	_, _, err := svc.RequestStop(context.Background(), &StopRequest{
		Owner: "0xOwner", JobID: "job-1", ProviderSignature: "0xsig", Nonce: 1,
	})
	if err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if authn.messages[0] != "0xOwnerjob-1" {
		t.Errorf("Expected message owner+jobId, got %q", authn.messages[0])
	}

	// Agreement-only requests sign the bare owner.
	authn = &fakeAuth{identity: "0xProv"}
	svc = newService(ledger, &fakeEnvs{}, authn)
	_, _, err = svc.RequestStop(context.Background(), &StopRequest{
		Owner: "0xOwner", AgreementID: "0xa", ProviderSignature: "0xsig", Nonce: 2,
	})
	if err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if authn.messages[0] != "0xOwner" {
		t.Errorf("Expected message owner, got %q", authn.messages[0])
	}
}

func TestRequestStop_FlagsMatchingJobs(t *testing.T) {
	t.Parallel()

	ledger := &memLedger{jobs: []Job{
		{AgreementID: "0xa", JobID: "job-1", Owner: "0xOwner"},
		{AgreementID: "0xa", JobID: "job-2", Owner: "0xOwner"},
		{AgreementID: "0xb", JobID: "job-3", Owner: "0xOwner"},
	}}
	svc := newService(ledger, &fakeEnvs{}, &fakeAuth{identity: "0xProv"})

	ids, jobs, err := svc.RequestStop(context.Background(), &StopRequest{
		Owner: "0xOwner", AgreementID: "0xa", ProviderSignature: "0xsig", Nonce: 1,
	})
	if err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Expected 2 flagged jobs, got %v", ids)
	}
	for _, j := range jobs {
		if !j.StopRequested {
			t.Errorf("Expected refreshed job %s to carry the flag", j.JobID)
		}
	}
	if ledger.jobs[2].StopRequested {
		t.Error("Expected unrelated job untouched")
	}
}

func TestRequestRemove_SetsRemoved(t *testing.T) {
	t.Parallel()

	ledger := &memLedger{jobs: []Job{{AgreementID: "0xa", JobID: "job-1", Owner: "0xOwner"}}}
	svc := newService(ledger, &fakeEnvs{}, &fakeAuth{identity: "0xProv"})

	_, _, err := svc.RequestRemove(context.Background(), &StopRequest{
		Owner: "0xOwner", JobID: "job-1", ProviderSignature: "0xsig", Nonce: 1,
	})
	if err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if !ledger.jobs[0].Removed {
		t.Error("Expected the removed flag set")
	}
}

func TestQueryStatus_FilterRequired(t *testing.T) {
	t.Parallel()

	svc := newService(&memLedger{}, &fakeEnvs{}, &fakeAuth{identity: "0xProv"})

	for _, q := range []*StatusQuery{nil, {}, {ChainID: "8996"}} {
		_, err := svc.QueryStatus(context.Background(), q)
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("Expected validation error for %+v, got %v", q, err)
		}
	}
}

func TestQueryStatus_JobIDRequiresSignature(t *testing.T) {
	t.Parallel()

	ledger := &memLedger{jobs: []Job{{AgreementID: "0xa", JobID: "job-1", Owner: "0xOwner"}}}

	// Owner-only lookups skip authentication.
	authn := &fakeAuth{identity: "0xProv"}
	svc := newService(ledger, &fakeEnvs{}, authn)
	if _, err := svc.QueryStatus(context.Background(), &StatusQuery{Owner: "0xOwner"}); err != nil {
		t.Fatalf("Failed owner lookup: %v", err)
	}
	if authn.calls != 0 {
		t.Errorf("Expected no authentication for owner lookup, got %d calls", authn.calls)
	}

	// A jobId lookup authenticates over owner+jobId.
	authn = &fakeAuth{identity: "0xProv"}
	svc = newService(ledger, &fakeEnvs{}, authn)
	if _, err := svc.QueryStatus(context.Background(), &StatusQuery{
		Owner: "0xOwner", JobID: "job-1", ProviderSignature: "0xsig", Nonce: 1,
	}); err != nil {
		t.Fatalf("Failed job lookup: %v", err)
	}
	if authn.calls != 1 || authn.messages[0] != "0xOwnerjob-1" {
		t.Errorf("Expected one authentication over owner+jobId, got %v", authn.messages)
	}

	// A failing signature blocks the lookup.
	authn = &fakeAuth{err: apperrors.Unauthorized("invalid signature")}
	svc = newService(ledger, &fakeEnvs{}, authn)
	_, err := svc.QueryStatus(context.Background(), &StatusQuery{JobID: "job-1"})
	if !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("Expected unauthorized, got %v", err)
	}
}

func TestListRunning_HydratesFromSpecification(t *testing.T) {
	t.Parallel()

	wf := validWorkflow()
	wf.ChainID = "8996"
	spec, err := json.Marshal(workflow.BuildSpecification(wf, "job-1", "env1"))
	if err != nil {
		t.Fatalf("Failed to marshal specification: %v", err)
	}

	ledger := &memLedger{jobs: []Job{
		{AgreementID: "0xa", JobID: "job-1", Owner: "0xOwner", Specification: spec},
		{AgreementID: "0xb", JobID: "job-2", Owner: "0xOwner", Specification: json.RawMessage(`{broken`)},
	}}
	svc := newService(ledger, &fakeEnvs{}, &fakeAuth{})

	jobs, err := svc.ListRunning(context.Background())
	if err != nil {
		t.Fatalf("Failed to list running jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}

	if jobs[0].ChainID != "8996" {
		t.Errorf("Expected hydrated chainId, got %q", jobs[0].ChainID)
	}
	if jobs[0].AlgorithmRef != "did:op:algo" {
		t.Errorf("Expected algorithm ref, got %q", jobs[0].AlgorithmRef)
	}
	if len(jobs[0].InputRefs) != 1 || jobs[0].InputRefs[0] != "did:op:input" {
		t.Errorf("Expected input refs, got %v", jobs[0].InputRefs)
	}

	// Malformed documents are skipped, not fatal.
	if jobs[1].AlgorithmRef != "" {
		t.Errorf("Expected no hydration for malformed document, got %q", jobs[1].AlgorithmRef)
	}
}

func TestListRunning_RawAlgorithmFallback(t *testing.T) {
	t.Parallel()

	wf := validWorkflow()
	wf.Stages[0].Algorithm = &workflow.Algorithm{RawCode: "print('hi')"}
	spec, err := json.Marshal(workflow.BuildSpecification(wf, "job-1", "env1"))
	if err != nil {
		t.Fatalf("Failed to marshal specification: %v", err)
	}

	ledger := &memLedger{jobs: []Job{
		{AgreementID: "0xa", JobID: "job-1", Owner: "0xOwner", Specification: spec},
	}}
	svc := newService(ledger, &fakeEnvs{}, &fakeAuth{})

	jobs, err := svc.ListRunning(context.Background())
	if err != nil {
		t.Fatalf("Failed to list running jobs: %v", err)
	}
	if jobs[0].AlgorithmRef != "raw" {
		t.Errorf("Expected raw fallback, got %q", jobs[0].AlgorithmRef)
	}
}
