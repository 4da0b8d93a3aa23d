package results

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"computebroker/internal/apperrors"
	"computebroker/internal/job"
)

type fakeLedger struct {
	owner    string
	outputs  []job.OutputRef
	found    bool
	owned    bool
	ownerErr error
}

func (f *fakeLedger) JobOutputs(_ context.Context, _ string) (string, []job.OutputRef, bool, error) {
	return f.owner, f.outputs, f.found, f.ownerErr
}

func (f *fakeLedger) OwnedByProvider(_ context.Context, _, _ string) (bool, error) {
	return f.owned, nil
}

type fakeAuth struct {
	identity string
	err      error
	message  string
}

func (f *fakeAuth) Authenticate(_ context.Context, _, message string, _ uint64) (string, error) {
	f.message = message
	if f.err != nil {
		return "", f.err
	}
	return f.identity, nil
}

func validRequest() *FetchRequest {
	return &FetchRequest{
		JobID:     "job-1",
		Index:     0,
		Owner:     "0xowner",
		Provider:  "0xProvider",
		Signature: "0xsig",
		Nonce:     1,
	}
}

func TestFetch_ValidatesRequiredFields(t *testing.T) {
	t.Parallel()

	f := NewFetcher(&fakeLedger{}, &fakeAuth{}, time.Second, nil)

	tests := []struct {
		name   string
		mutate func(*FetchRequest)
	}{
		{"missing jobId", func(r *FetchRequest) { r.JobID = "" }},
		{"missing owner", func(r *FetchRequest) { r.Owner = "" }},
		{"missing provider", func(r *FetchRequest) { r.Provider = "" }},
		{"missing signature", func(r *FetchRequest) { r.Signature = "" }},
		{"missing nonce", func(r *FetchRequest) { r.Nonce = 0 }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest()
			tt.mutate(req)
			_, err := f.Fetch(context.Background(), req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestFetch_SignsOwnerConcatJobID(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{err: apperrors.Unauthorized("bad signature")}
	f := NewFetcher(&fakeLedger{}, auth, time.Second, nil)

	_, err := f.Fetch(context.Background(), validRequest())
	if !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("Expected unauthorized, got %v", err)
	}
	if auth.message != "0xownerjob-1" {
		t.Errorf("Expected signed message owner+jobId, got %q", auth.message)
	}
}

func TestFetch_AuthorizationFailuresReportNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ledger  *fakeLedger
		auth    *fakeAuth
		request func() *FetchRequest
		wantMsg string
	}{
		{
			name:    "recovered identity is not the claimed provider",
			ledger:  &fakeLedger{found: true, owner: "0xowner", owned: true},
			auth:    &fakeAuth{identity: "0xsomeoneelse"},
			request: validRequest,
			wantMsg: "provider 0xProvider mismatch",
		},
		{
			name:    "unknown job",
			ledger:  &fakeLedger{found: false},
			auth:    &fakeAuth{identity: "0xProvider"},
			request: validRequest,
			wantMsg: "job job-1 not found",
		},
		{
			name:    "recorded owner differs",
			ledger:  &fakeLedger{found: true, owner: "0xrealowner", owned: true},
			auth:    &fakeAuth{identity: "0xProvider"},
			request: validRequest,
			wantMsg: "owner 0xowner mismatch",
		},
		{
			name:    "provider never brokered for owner",
			ledger:  &fakeLedger{found: true, owner: "0xowner", owned: false},
			auth:    &fakeAuth{identity: "0xProvider"},
			request: validRequest,
			wantMsg: "no jobs for owner 0xowner brokered by provider 0xProvider",
		},
		{
			name:   "negative index",
			ledger: &fakeLedger{found: true, owner: "0xowner", owned: true, outputs: []job.OutputRef{{Index: 0, URL: "http://x/y"}}},
			auth:   &fakeAuth{identity: "0xProvider"},
			request: func() *FetchRequest {
				r := validRequest()
				r.Index = -1
				return r
			},
			wantMsg: "result index cannot be negative",
		},
		{
			name:   "index past last output",
			ledger: &fakeLedger{found: true, owner: "0xowner", owned: true, outputs: []job.OutputRef{{Index: 0, URL: "http://x/y"}}},
			auth:   &fakeAuth{identity: "0xProvider"},
			request: func() *FetchRequest {
				r := validRequest()
				r.Index = 1
				return r
			},
			wantMsg: "no result at index 1",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := NewFetcher(tt.ledger, tt.auth, time.Second, nil)
			_, err := f.Fetch(context.Background(), tt.request())
			if !errors.Is(err, apperrors.ErrNotFound) {
				t.Fatalf("Expected not-found error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected message containing %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestFetch_StreamsFullDownload(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		io.WriteString(w, "a,b\n1,2\n")
	}))
	defer upstream.Close()

	ledger := &fakeLedger{
		found: true, owner: "0xowner", owned: true,
		outputs: []job.OutputRef{{Index: 0, URL: upstream.URL + "/outputs/result.csv"}},
	}
	f := NewFetcher(ledger, &fakeAuth{identity: "0xProvider"}, time.Second, nil)

	dl, err := f.Fetch(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Failed to fetch result: %v", err)
	}
	defer dl.Body.Close()

	if dl.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", dl.StatusCode)
	}
	if got := dl.Header.Get("Content-Disposition"); got != "attachment;filename=result.csv" {
		t.Errorf("Unexpected content disposition %q", got)
	}
	if got := dl.Header.Get("Content-Type"); got != "text/csv" {
		t.Errorf("Unexpected content type %q", got)
	}

	body, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if string(body) != "a,b\n1,2\n" {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestFetch_PassesRangeThrough(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("x", 100)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "result.bin", time.Now(), strings.NewReader(content))
	}))
	defer upstream.Close()

	ledger := &fakeLedger{
		found: true, owner: "0xowner", owned: true,
		outputs: []job.OutputRef{{Index: 0, URL: upstream.URL + "/outputs/result.bin"}},
	}
	f := NewFetcher(ledger, &fakeAuth{identity: "0xProvider"}, time.Second, nil)

	req := validRequest()
	req.Range = "bytes=0-9"
	dl, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Failed to fetch ranged result: %v", err)
	}
	defer dl.Body.Close()

	if dl.StatusCode != http.StatusPartialContent {
		t.Errorf("Expected status 206, got %d", dl.StatusCode)
	}
	if got := dl.Header.Get("Content-Range"); got != "bytes 0-9/100" {
		t.Errorf("Unexpected content range %q", got)
	}
	if dl.Header.Get("Content-Disposition") != "" {
		t.Error("Expected no content disposition on ranged responses")
	}

	body, _ := io.ReadAll(dl.Body)
	if len(body) != 10 {
		t.Errorf("Expected 10 bytes, got %d", len(body))
	}
}

func TestFetch_UpstreamFailure(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	ledger := &fakeLedger{
		found: true, owner: "0xowner", owned: true,
		outputs: []job.OutputRef{{Index: 0, URL: upstream.URL + "/broken"}},
	}
	f := NewFetcher(ledger, &fakeAuth{identity: "0xProvider"}, time.Second, nil)

	_, err := f.Fetch(context.Background(), validRequest())
	if !errors.Is(err, apperrors.ErrUpstream) {
		t.Fatalf("Expected upstream error, got %v", err)
	}
}

func TestDownloadFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		path        string
		contentType string
		want        string
		wantPrefix  string
	}{
		{name: "path with extension", path: "/outputs/result.csv", contentType: "text/csv", want: "result.csv"},
		{name: "empty path falls back", path: "/", contentType: "application/octet-stream", wantPrefix: "result"},
		{name: "extension from content type", path: "/outputs/data", contentType: "application/json", wantPrefix: "data."},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := downloadFilename(tt.path, tt.contentType)
			if tt.want != "" && got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
			if tt.wantPrefix != "" && !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("Expected prefix %q, got %q", tt.wantPrefix, got)
			}
		})
	}
}
