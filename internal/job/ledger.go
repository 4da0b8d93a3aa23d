// Package job carries the domain types and the admission, stop/remove, and
// status-query operations of the broker.
package job

import (
	"context"
	"errors"
)

// ErrDuplicateAgreement is returned by Ledger.CreateJob when the insert loses
// the duplicate-agreement race: the store's partial unique index is the
// authoritative serialization point, the service's pre-check an optimization.
var ErrDuplicateAgreement = errors.New("agreement already has an unfinished job")

// Ledger is the persistence boundary for job records.
type Ledger interface {
	// CreateJob inserts a new job with status Warming-up.
	CreateJob(ctx context.Context, params CreateParams) error

	// QueryJobs returns jobs matching the filter.
	QueryJobs(ctx context.Context, f Filter) ([]Job, error)

	// ListUnfinished returns all jobs with no finish date that are not removed.
	ListUnfinished(ctx context.Context) ([]Job, error)

	// JobIDs resolves the job identifiers matching the filter.
	JobIDs(ctx context.Context, f Filter) ([]string, error)

	// MarkStopRequested sets the monotonic stopreq flag.
	MarkStopRequested(ctx context.Context, jobID string) error

	// MarkRemoved sets the monotonic removed flag.
	MarkRemoved(ctx context.Context, jobID string) error
}

// EnvironmentRegistry reports whether a named compute environment exists and
// admits the given chain.
type EnvironmentRegistry interface {
	Eligible(ctx context.Context, environment, chainID string) (bool, error)
}

// Authenticator verifies a signed request and returns the recovered identity.
type Authenticator interface {
	Authenticate(ctx context.Context, signature, message string, nonce uint64) (string, error)
}
