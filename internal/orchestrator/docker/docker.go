// Package docker gives the admin surface a read-only view of the compute
// workloads the orchestrator runs on the host Docker daemon. Workloads are
// matched by the workflow label the specification builder stamps on them.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"computebroker/internal/apperrors"
	"computebroker/internal/workflow"
)

// componentLabel distinguishes the containers of one job (algorithm,
// publisher, configuration).
const componentLabel = "component"

// Workload summarizes one container belonging to a job.
type Workload struct {
	ID        string `json:"id"`
	JobID     string `json:"jobId"`
	Component string `json:"component,omitempty"`
	Image     string `json:"image"`
	State     string `json:"state"`
	Status    string `json:"status"`
	Created   int64  `json:"created"`
}

// WorkloadDetail is the inspect view of one container of a job.
type WorkloadDetail struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Image      string            `json:"image"`
	State      string            `json:"state"`
	ExitCode   int               `json:"exitCode"`
	StartedAt  string            `json:"startedAt,omitempty"`
	FinishedAt string            `json:"finishedAt,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Client is a read-only Docker view for the admin routes.
type Client struct {
	docker *client.Client
}

// NewClient connects to the Docker daemon named by the standard DOCKER_*
// environment variables.
func NewClient() (*Client, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{docker: dockerClient}, nil
}

// Ready verifies daemon connectivity.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.docker.Close()
}

// ListRunning returns all live workloads carrying a workflow label.
func (c *Client) ListRunning(ctx context.Context) ([]Workload, error) {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", workflow.LabelWorkflow)),
	})
	if err != nil {
		return nil, apperrors.Upstream("docker.list", err)
	}

	workloads := make([]Workload, 0, len(containers))
	for _, summary := range containers {
		workloads = append(workloads, Workload{
			ID:        summary.ID,
			JobID:     summary.Labels[workflow.LabelWorkflow],
			Component: summary.Labels[componentLabel],
			Image:     summary.Image,
			State:     summary.State,
			Status:    summary.Status,
			Created:   summary.Created,
		})
	}
	return workloads, nil
}

// Inspect returns the detailed state of every container of a job, running or
// exited.
func (c *Client) Inspect(ctx context.Context, jobID string) ([]WorkloadDetail, error) {
	containers, err := c.jobContainers(ctx, jobID)
	if err != nil {
		return nil, err
	}

	details := make([]WorkloadDetail, 0, len(containers))
	for _, summary := range containers {
		inspected, err := c.docker.ContainerInspect(ctx, summary.ID)
		if err != nil {
			return nil, apperrors.Upstream("docker.inspect", err)
		}

		detail := WorkloadDetail{
			ID:     inspected.ID,
			Name:   strings.TrimPrefix(inspected.Name, "/"),
			Image:  summary.Image,
			Labels: summary.Labels,
		}
		if inspected.State != nil {
			detail.State = inspected.State.Status
			detail.ExitCode = inspected.State.ExitCode
			detail.StartedAt = inspected.State.StartedAt
			detail.FinishedAt = inspected.State.FinishedAt
		}
		details = append(details, detail)
	}
	return details, nil
}

// Logs returns the captured output of one component of a job. An empty
// component selects the first matching container.
func (c *Client) Logs(ctx context.Context, jobID, component string) (string, error) {
	containers, err := c.jobContainers(ctx, jobID)
	if err != nil {
		return "", err
	}

	for _, summary := range containers {
		if component != "" && summary.Labels[componentLabel] != component {
			continue
		}

		logs, err := c.docker.ContainerLogs(ctx, summary.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Timestamps: true,
		})
		if err != nil {
			return "", apperrors.Upstream("docker.logs", err)
		}
		defer logs.Close()

		// Docker multiplexes stdout/stderr on one stream.
		var buf bytes.Buffer
		if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
			return "", apperrors.Upstream("docker.logs", err)
		}
		return buf.String(), nil
	}

	return "", apperrors.NotFound("workload",
		fmt.Sprintf("no %s workload for job %s", component, jobID))
}

func (c *Client) jobContainers(ctx context.Context, jobID string) ([]container.Summary, error) {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", workflow.LabelWorkflow+"="+jobID),
		),
	})
	if err != nil {
		return nil, apperrors.Upstream("docker.list", err)
	}
	if len(containers) == 0 {
		return nil, apperrors.NotFound("workload",
			fmt.Sprintf("no workloads for job %s", jobID))
	}
	return containers, nil
}
