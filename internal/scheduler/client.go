// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scheduler wraps the Temporal client for job enqueueing, cancellation,
// and the maintenance cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/logger"
	"github.com/Dropicx/docworker-sub003/internal/scheduler/types"
)

// WorkflowStatus represents the current status of a workflow
type WorkflowStatus int

const (
	WorkflowStatusUnknown WorkflowStatus = iota
	WorkflowStatusRunning
	WorkflowStatusCompleted
	WorkflowStatusFailed
	WorkflowStatusCanceled
	WorkflowStatusTerminated
	WorkflowStatusTimedOut
)

// String returns the string representation of WorkflowStatus
func (s WorkflowStatus) String() string {
	switch s {
	case WorkflowStatusRunning:
		return "running"
	case WorkflowStatusCompleted:
		return "completed"
	case WorkflowStatusFailed:
		return "failed"
	case WorkflowStatusCanceled:
		return "canceled"
	case WorkflowStatusTerminated:
		return "terminated"
	case WorkflowStatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

var (
	schedulerLog     *zerolog.Logger
	schedulerLogOnce sync.Once
)

func getSchedulerLog() *zerolog.Logger {
	schedulerLogOnce.Do(func() {
		l := logger.GetSchedulerLogger().With().Str("component", "client").Logger()
		schedulerLog = &l
	})
	return schedulerLog
}

// WorkflowIDForJob returns the deterministic workflow ID for a processing ID.
// One processing ID maps to at most one live workflow.
func WorkflowIDForJob(processingID string) string {
	return "job-" + processingID
}

// PipelineTaskQueue returns the dedicated queue name for the bounded pipeline
// worker pool derived from the main task queue.
func PipelineTaskQueue(taskQueue string) string {
	return taskQueue + "-pipeline"
}

// Client wraps the Temporal client and provides job-oriented operations.
type Client struct {
	temporalClient client.Client
	namespace      string
	taskQueue      string
	pipeline       config.PipelineConfig
}

// NewClient creates a new Temporal client wrapper
func NewClient(cfg *config.AppConfig) (*Client, error) {
	options := client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    logger.GetTemporalLogAdapter("temporal"),
	}

	temporalClient, err := client.Dial(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create Temporal client: %w", err)
	}

	getSchedulerLog().Info().Msgf("Connected to Temporal at %s, namespace: %s",
		cfg.Temporal.HostPort, cfg.Temporal.Namespace)

	return &Client{
		temporalClient: temporalClient,
		namespace:      cfg.Temporal.Namespace,
		taskQueue:      cfg.Temporal.TaskQueue,
		pipeline:       cfg.Pipeline,
	}, nil
}

// NewClientFromTemporal wraps an existing Temporal client. Used by tests and
// the dev server, which share one connection.
func NewClientFromTemporal(temporalClient client.Client, cfg *config.AppConfig) *Client {
	return &Client{
		temporalClient: temporalClient,
		namespace:      cfg.Temporal.Namespace,
		taskQueue:      cfg.Temporal.TaskQueue,
		pipeline:       cfg.Pipeline,
	}
}

// GetTemporalClient returns the underlying Temporal client
func (c *Client) GetTemporalClient() client.Client {
	return c.temporalClient
}

// GetTaskQueue returns the task queue name
func (c *Client) GetTaskQueue() string {
	return c.taskQueue
}

// EnqueueJob starts the processing workflow for a job.
// Uses ALLOW_DUPLICATE_FAILED_ONLY policy for idempotency:
// - Running workflows: Rejects (at most one live run per processing ID)
// - Completed workflows: Rejects
// - Failed workflows: Allows retry with same ID
// - Not found: Starts new workflow
func (c *Client) EnqueueJob(ctx context.Context, processingID string) error {
	options := client.StartWorkflowOptions{
		ID:                       WorkflowIDForJob(processingID),
		TaskQueue:                c.taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
	}

	input := types.ProcessDocumentInput{
		ProcessingID:            processingID,
		PipelineTaskQueue:       PipelineTaskQueue(c.taskQueue),
		JobTimeoutSeconds:       int(c.pipeline.JobTimeout.Seconds()),
		HeartbeatTimeoutSeconds: int((2 * c.pipeline.HeartbeatInterval).Seconds()),
	}

	we, err := c.temporalClient.ExecuteWorkflow(ctx, options, "ProcessDocumentWorkflow", input)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", processingID, err)
	}

	getSchedulerLog().Info().Msgf("Enqueued job %s as workflow %s (run %s)",
		processingID, we.GetID(), we.GetRunID())
	return nil
}

// CancelJob requests cancellation of a job's workflow. The workflow cleans up
// by transitioning the job to FAILED with message "cancelled".
func (c *Client) CancelJob(ctx context.Context, processingID string) error {
	err := c.temporalClient.CancelWorkflow(ctx, WorkflowIDForJob(processingID), "")
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", processingID, err)
	}

	getSchedulerLog().Info().Msgf("Requested cancellation of job %s", processingID)
	return nil
}

// MapWorkflowExecutionStatus maps Temporal's WorkflowExecutionStatus to our WorkflowStatus type.
// Exported for testing purposes.
func MapWorkflowExecutionStatus(status enums.WorkflowExecutionStatus) WorkflowStatus {
	switch status {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return WorkflowStatusRunning
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return WorkflowStatusCompleted
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED:
		return WorkflowStatusFailed
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return WorkflowStatusCanceled
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return WorkflowStatusTerminated
	case enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return WorkflowStatusTimedOut
	default:
		return WorkflowStatusUnknown
	}
}

// JobWorkflowStatus returns the current status of a job's workflow.
// Returns an error if the workflow doesn't exist.
func (c *Client) JobWorkflowStatus(ctx context.Context, processingID string) (WorkflowStatus, error) {
	desc, err := c.temporalClient.DescribeWorkflowExecution(ctx, WorkflowIDForJob(processingID), "")
	if err != nil {
		return WorkflowStatusUnknown, fmt.Errorf("failed to describe workflow: %w", err)
	}

	return MapWorkflowExecutionStatus(desc.WorkflowExecutionInfo.Status), nil
}

// Maintenance cron schedules. IDs are stable so restarts attach to the
// already-running cron instead of spawning a second one.
var maintenanceSchedules = []struct {
	WorkflowID   string
	WorkflowName string
	CronSchedule string
}{
	{"maintenance-orphan-cleanup", "CleanupOrphanedJobsWorkflow", "*/10 * * * *"},
	{"maintenance-job-retention", "PurgeExpiredJobsWorkflow", "0 3 * * *"},
	{"maintenance-ledger-retention", "PurgeExpiredLedgerWorkflow", "0 * * * *"},
}

// StartMaintenanceSchedules starts the three maintenance cron workflows:
// orphan cleanup every 10 minutes, job retention daily, ledger retention
// hourly. Safe to call on every worker start.
func (c *Client) StartMaintenanceSchedules(ctx context.Context) error {
	for _, schedule := range maintenanceSchedules {
		options := client.StartWorkflowOptions{
			ID:                    schedule.WorkflowID,
			TaskQueue:             c.taskQueue,
			CronSchedule:          schedule.CronSchedule,
			WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		}

		_, err := c.temporalClient.ExecuteWorkflow(ctx, options, schedule.WorkflowName)
		if err != nil {
			var already *serviceerror.WorkflowExecutionAlreadyStarted
			if errors.As(err, &already) {
				getSchedulerLog().Debug().Msgf("Maintenance schedule %s already running", schedule.WorkflowID)
				continue
			}
			return fmt.Errorf("failed to start maintenance schedule %s: %w", schedule.WorkflowID, err)
		}

		getSchedulerLog().Info().Msgf("Started maintenance schedule %s (%s)",
			schedule.WorkflowID, schedule.CronSchedule)
	}
	return nil
}

// Close closes the Temporal client connection
func (c *Client) Close() error {
	if c.temporalClient != nil {
		c.temporalClient.Close()
		getSchedulerLog().Info().Msg("Temporal client closed")
	}
	return nil
}
