package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// WorkflowsConfig locates the hosted workflow definition.
type WorkflowsConfig struct {
	ProjectID        string
	WorkflowLocation string
	WorkflowID       string
}

// WorkflowsStarter hands new uploads to a Cloud Workflows execution that
// calls the step-worker functions with the same retry policy as the
// in-process engine.
type WorkflowsStarter struct {
	executionsClient *executions.Client
	config           WorkflowsConfig
}

func NewWorkflowsStarter(ctx context.Context, config WorkflowsConfig) (*WorkflowsStarter, error) {
	if config.ProjectID == "" || config.WorkflowLocation == "" || config.WorkflowID == "" {
		return nil, fmt.Errorf("project, location and workflow ID are required to start hosted workflows")
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowsStarter{executionsClient: executionsClient, config: config}, nil
}

// Parent is the fully qualified workflow name executions are created under.
func (s *WorkflowsStarter) Parent() string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", s.config.ProjectID, s.config.WorkflowLocation, s.config.WorkflowID)
}

// StartWorkflow creates one execution with the object ID as its argument and
// returns the execution name.
func (s *WorkflowsStarter) StartWorkflow(ctx context.Context, objectID string) (string, error) {
	payloadBytes, err := json.Marshal(map[string]string{"objectId": objectID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: s.Parent(),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	execution, err := s.executionsClient.CreateExecution(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	slog.Info("Hosted workflow execution created.", "objectId", objectID, "execution", execution.GetName())
	return execution.GetName(), nil
}

func (s *WorkflowsStarter) Close() error {
	return s.executionsClient.Close()
}
