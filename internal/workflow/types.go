// Package workflow defines the structured workflow document a provider
// submits and the normalized job specification handed to the orchestrator.
package workflow

import (
	"fmt"

	"computebroker/internal/apperrors"
)

// Workflow is the caller-supplied document describing a compute job.
type Workflow struct {
	ChainID string  `json:"chainId,omitempty"`
	Stages  []Stage `json:"stages"`
}

// Stage describes one unit of compute. Exactly one stage is supported; the
// four sections are all mandatory.
type Stage struct {
	Index     int            `json:"index"`
	Algorithm *Algorithm     `json:"algorithm,omitempty"`
	Compute   map[string]any `json:"compute,omitempty"`
	Input     []Input        `json:"input,omitempty"`
	Output    *Output        `json:"output,omitempty"`
}

// Algorithm identifies the code to run: a registered asset, a raw payload, or
// a container reference.
type Algorithm struct {
	ID        string     `json:"id,omitempty"`
	URL       string     `json:"url,omitempty"`
	RawCode   string     `json:"rawcode,omitempty"`
	Container *Container `json:"container,omitempty"`
}

// Container is an image reference for container-delivered algorithms.
type Container struct {
	Image      string `json:"image"`
	Tag        string `json:"tag,omitempty"`
	Entrypoint string `json:"entrypoint,omitempty"`
}

// Input is one input asset reference. Order is significant.
type Input struct {
	ID  string   `json:"id,omitempty"`
	URL []string `json:"url,omitempty"`
}

// Output configures where results and logs are published.
type Output struct {
	NodeURI             string         `json:"nodeUri,omitempty"`
	Owner               string         `json:"owner,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	MetadataURI         string         `json:"metadataUri,omitempty"`
	SecretStoreURI      string         `json:"secretStoreUri,omitempty"`
	Whitelist           []string       `json:"whitelist,omitempty"`
	PublishOutput       *bool          `json:"publishOutput,omitempty"`
	PublishAlgorithmLog *bool          `json:"publishAlgorithmLog,omitempty"`
}

// stageSections are the mandatory sections of a stage, checked in order so
// error messages are deterministic.
var stageSections = []string{"algorithm", "compute", "input", "output"}

// Validate checks the structural invariants of a submitted workflow.
// Multi-stage workflows are rejected outright, never truncated.
func (w *Workflow) Validate() error {
	if w == nil || len(w.Stages) == 0 {
		return apperrors.Validation("workflow.stages", "workflow must include workflow stages")
	}
	if len(w.Stages) > 1 {
		return apperrors.Validation("workflow.stages", "multiple stages are not supported")
	}

	stage := w.Stages[0]
	for _, section := range stageSections {
		if !stage.hasSection(section) {
			return apperrors.Validation(
				"workflow.stages[0]."+section,
				fmt.Sprintf("missing %s in stage 0", section))
		}
	}
	return nil
}

func (s Stage) hasSection(name string) bool {
	switch name {
	case "algorithm":
		return s.Algorithm != nil
	case "compute":
		return s.Compute != nil
	case "input":
		return s.Input != nil
	case "output":
		return s.Output != nil
	default:
		return false
	}
}

// AlgorithmRef returns the algorithm asset id, or "raw" for inline payloads.
func (w *Workflow) AlgorithmRef() string {
	if len(w.Stages) == 0 || w.Stages[0].Algorithm == nil || w.Stages[0].Algorithm.ID == "" {
		return "raw"
	}
	return w.Stages[0].Algorithm.ID
}

// InputRefs returns the ordered input asset ids of the first stage.
func (w *Workflow) InputRefs() []string {
	if len(w.Stages) == 0 {
		return nil
	}
	refs := make([]string, 0, len(w.Stages[0].Input))
	for _, in := range w.Stages[0].Input {
		if in.ID != "" {
			refs = append(refs, in.ID)
		}
	}
	return refs
}
