package workflow

import (
	"github.com/google/uuid"
)

// Specification wire constants.
const (
	SpecAPIVersion = "v0.0.1"
	SpecKind       = "WorkFlow"
	// LabelWorkflow binds a workload back to its job id in the orchestrator.
	LabelWorkflow = "workflow"
)

// Specification is the normalized job document handed to the orchestrator.
type Specification struct {
	APIVersion string   `json:"apiVersion"`
	Kind       string   `json:"kind"`
	Metadata   Metadata `json:"metadata"`
	Spec       SpecBody `json:"spec"`
}

// Metadata names the specification and carries the secret the orchestrator
// uses to authenticate log and output publication for this job.
type Metadata struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Labels    map[string]string `json:"labels"`
	Secret    string            `json:"secret,omitempty"`
}

// SpecBody nests the caller-supplied workflow under a metadata section.
type SpecBody struct {
	Metadata *Workflow `json:"metadata"`
}

// BuildSpecification normalizes a validated workflow into the specification
// document: apiVersion/kind markers, the environment namespace, a label
// binding the document to jobID, and a fresh opaque secret.
func BuildSpecification(w *Workflow, jobID, namespace string) *Specification {
	return &Specification{
		APIVersion: SpecAPIVersion,
		Kind:       SpecKind,
		Metadata: Metadata{
			Name:      jobID,
			Namespace: namespace,
			Labels:    map[string]string{LabelWorkflow: jobID},
			Secret:    uuid.NewString(),
		},
		Spec: SpecBody{Metadata: w},
	}
}
