package job

import (
	"encoding/json"
)

// Status is the lifecycle state of a job.
type Status int

// Lifecycle states. A job is created Warming-up and progresses through
// Running to one of the terminal states; StopRequested and Removed are also
// reflected in the stopreq/removed flags, which are monotonic.
const (
	StatusWarmingUp Status = 1 + iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusStopRequested
	StatusRemoved
)

// Text returns the human-readable status text stored alongside the code.
func (s Status) Text() string {
	switch s {
	case StatusWarmingUp:
		return "Warming up"
	case StatusRunning:
		return "Running"
	case StatusSucceeded:
		return "Succeeded"
	case StatusFailed:
		return "Failed"
	case StatusStopRequested:
		return "Stop requested"
	case StatusRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// OutputRef is one produced output artifact. Order is significant; outputs
// are addressed by index.
type OutputRef struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// Job is a job record as persisted and returned to providers.
type Job struct {
	AgreementID   string          `json:"agreementId"`
	JobID         string          `json:"jobId"`
	Owner         string          `json:"owner"`
	Provider      string          `json:"provider,omitempty"`
	Status        Status          `json:"status"`
	StatusText    string          `json:"statusText"`
	DateCreated   float64         `json:"dateCreated"`
	DateFinished  *float64        `json:"dateFinished,omitempty"`
	Environment   string          `json:"environment,omitempty"`
	ConfigLogURL  string          `json:"configlogUrl,omitempty"`
	PublishLogURL string          `json:"publishlogUrl,omitempty"`
	AlgoLogURL    string          `json:"algologUrl,omitempty"`
	Outputs       []OutputRef     `json:"outputsUrl,omitempty"`
	StopRequested bool            `json:"stopreq"`
	Removed       bool            `json:"removed"`
	Specification json.RawMessage `json:"workflow,omitempty"`
	ChainID       string          `json:"chainId,omitempty"`
	AlgorithmRef  string          `json:"algorithmRef,omitempty"`
	InputRefs     []string        `json:"inputRefs,omitempty"`
}

// Unfinished reports whether the job still counts against its agreement.
func (j *Job) Unfinished() bool {
	return j.DateFinished == nil && !j.Removed
}

// Filter selects jobs by any combination of identifiers.
type Filter struct {
	AgreementID string
	JobID       string
	Owner       string
	ChainID     string
}

// Empty reports whether no identifier filter is set. ChainID alone does not
// select jobs.
func (f Filter) Empty() bool {
	return f.AgreementID == "" && f.JobID == "" && f.Owner == ""
}

// CreateParams carries a new job row into the ledger.
type CreateParams struct {
	AgreementID   string
	JobID         string
	Owner         string
	Provider      string
	Environment   string
	Specification json.RawMessage
}
