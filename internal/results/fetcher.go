// Package results authorizes result downloads and proxies them from the
// publishing upstream without buffering.
package results

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"computebroker/internal/apperrors"
	"computebroker/internal/job"
	"computebroker/internal/observability"
	"computebroker/pkg/circuitbreaker"
)

// defaultFetchTimeout bounds a single upstream download when no timeout is
// configured.
const defaultFetchTimeout = 3 * time.Second

// Ledger is the job lookup surface the fetcher authorizes against.
type Ledger interface {
	// JobOutputs returns the owner and ordered outputs of a job.
	JobOutputs(ctx context.Context, jobID string) (owner string, outputs []job.OutputRef, found bool, err error)
	// OwnedByProvider reports whether the owner has any job brokered by the
	// provider.
	OwnedByProvider(ctx context.Context, owner, provider string) (bool, error)
}

// Authenticator verifies a signed request and returns the recovered identity.
type Authenticator interface {
	Authenticate(ctx context.Context, signature, message string, nonce uint64) (string, error)
}

// FetchRequest identifies one output of one job, signed by the provider.
type FetchRequest struct {
	JobID     string
	Index     int
	Owner     string
	Provider  string
	Signature string
	Nonce     uint64
	Range     string // verbatim Range header, empty for full downloads
}

// Download is a streaming result response. The caller owns Body.
type Download struct {
	Body       io.ReadCloser
	StatusCode int // 200, or 206 for ranged responses
	Header     http.Header
	Length     int64 // -1 when the upstream does not declare a length
}

// Fetcher authorizes and streams result downloads. Upstream hosts are guarded
// by per-host circuit breakers so one failing publisher cannot stall the rest.
type Fetcher struct {
	ledger   Ledger
	auth     Authenticator
	client   *http.Client
	breakers *circuitbreaker.Registry
	metrics  *observability.Metrics
}

// NewFetcher creates a fetcher with the given upstream timeout.
func NewFetcher(ledger Ledger, auth Authenticator, timeout time.Duration, metrics *observability.Metrics) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		ledger:   ledger,
		auth:     auth,
		client:   &http.Client{Timeout: timeout},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Options{}),
		metrics:  metrics,
	}
}

// BreakerStats exposes the upstream breaker registry for the admin surface.
func (f *Fetcher) BreakerStats() circuitbreaker.Stats {
	return f.breakers.Stats()
}

// Fetch authorizes the request and streams the addressed output.
//
// Every authorization failure after signature verification reports not-found:
// a caller probing someone else's job learns nothing beyond "no such result".
func (f *Fetcher) Fetch(ctx context.Context, req *FetchRequest) (*Download, error) {
	if err := validateFetch(req); err != nil {
		return nil, err
	}

	identity, err := f.auth.Authenticate(ctx, req.Signature, req.Owner+req.JobID, req.Nonce)
	if err != nil {
		if f.metrics != nil {
			f.metrics.RecordAuthFailure(ctx)
		}
		return nil, err
	}
	if !strings.EqualFold(identity, req.Provider) {
		return nil, apperrors.NotFound("result",
			fmt.Sprintf("provider %s mismatch", req.Provider))
	}

	owner, outputs, found, err := f.ledger.JobOutputs(ctx, req.JobID)
	if err != nil {
		return nil, apperrors.Internal("results.jobOutputs", err)
	}
	if !found {
		return nil, apperrors.NotFound("result",
			fmt.Sprintf("job %s not found", req.JobID))
	}
	if !strings.EqualFold(owner, req.Owner) {
		return nil, apperrors.NotFound("result",
			fmt.Sprintf("owner %s mismatch", req.Owner))
	}

	owned, err := f.ledger.OwnedByProvider(ctx, owner, req.Provider)
	if err != nil {
		return nil, apperrors.Internal("results.ownership", err)
	}
	if !owned {
		return nil, apperrors.NotFound("result",
			fmt.Sprintf("no jobs for owner %s brokered by provider %s", req.Owner, req.Provider))
	}

	if req.Index < 0 {
		return nil, apperrors.NotFound("result", "result index cannot be negative")
	}
	if req.Index >= len(outputs) {
		return nil, apperrors.NotFound("result",
			fmt.Sprintf("no result at index %d", req.Index))
	}

	dl, err := f.download(ctx, outputs[req.Index].URL, req.Range)
	if err != nil {
		if f.metrics != nil {
			f.metrics.RecordResultFetchError(ctx)
		}
		return nil, err
	}
	if f.metrics != nil {
		f.metrics.RecordResultFetch(ctx, dl.Length)
	}
	return dl, nil
}

func validateFetch(req *FetchRequest) error {
	if req == nil {
		return apperrors.Validation("query", "request seems empty")
	}
	required := []struct {
		field   string
		missing bool
	}{
		{"jobId", req.JobID == ""},
		{"owner", req.Owner == ""},
		{"providerAddress", req.Provider == ""},
		{"providerSignature", req.Signature == ""},
		{"nonce", req.Nonce == 0},
	}
	for _, r := range required {
		if r.missing {
			return apperrors.Validation(r.field, fmt.Sprintf("%q is required", r.field))
		}
	}
	return nil
}

// download streams the target through the per-host breaker. The response body
// is handed to the caller unread.
func (f *Fetcher) download(ctx context.Context, target, rangeHeader string) (*Download, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, apperrors.Upstream("results.parseURL",
			fmt.Errorf("result url %q is not fetchable", target))
	}

	var dl *Download
	err = f.breakers.Do(u.Host, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		if rangeHeader != "" {
			httpReq.Header.Set("Range", rangeHeader)
		}

		resp, err := f.client.Do(httpReq)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}

		dl = buildDownload(resp, u, rangeHeader != "")
		return nil
	})
	if err != nil {
		return nil, apperrors.Upstream("results.fetch", err)
	}
	return dl, nil
}

// buildDownload shapes the response headers. Ranged responses pass the
// upstream range headers through untouched; full downloads get an attachment
// disposition with a filename derived from the URL path.
func buildDownload(resp *http.Response, u *url.URL, ranged bool) *Download {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(http.Header)
	header.Set("Content-Type", contentType)
	if v := resp.Header.Get("Content-Length"); v != "" {
		header.Set("Content-Length", v)
	}

	if ranged {
		for _, name := range []string{"Content-Range", "Accept-Ranges"} {
			if v := resp.Header.Get(name); v != "" {
				header.Set(name, v)
			}
		}
	} else {
		header.Set("Content-Disposition",
			"attachment;filename="+downloadFilename(u.Path, contentType))
	}

	return &Download{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Header:     header,
		Length:     resp.ContentLength,
	}
}

// downloadFilename derives an attachment filename from the URL path, adding
// an extension from the content type when the path carries none.
func downloadFilename(urlPath, contentType string) string {
	name := path.Base(urlPath)
	if name == "/" || name == "." || name == "" {
		name = "result"
	}
	if path.Ext(name) == "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}
