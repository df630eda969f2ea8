// Package tasks enqueues job processing work. Two dispatchers exist: a Cloud
// Tasks dispatcher producing OIDC-signed HTTP tasks against the worker
// callback, and an in-process emulated dispatcher for local development. The
// emulated dispatcher also serves as the fallback when a queue enqueue fails
// transiently.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Payload is the task body delivered to the worker endpoint.
type Payload struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
}

// Processor runs the lifecycle engine for one job. Implemented by the engine;
// declared here so the emulated dispatcher can schedule it without importing
// the engine package.
type Processor interface {
	Process(ctx context.Context, jobID, sessionID string) error
}

// Dispatcher hands a job to the processing machinery.
type Dispatcher interface {
	// Enqueue schedules processing of the job. It must be safe to call more
	// than once for the same job.
	Enqueue(ctx context.Context, jobID, sessionID string) error
	// Emulated reports whether work runs in-process rather than via the queue.
	Emulated() bool
}

// Emulated schedules the engine on the same process, asynchronously. Used for
// local development and as the queue's transient-failure fallback.
type Emulated struct {
	proc   Processor
	budget time.Duration
}

func NewEmulated(proc Processor, attemptBudget time.Duration) *Emulated {
	return &Emulated{proc: proc, budget: attemptBudget}
}

func (e *Emulated) Emulated() bool { return true }

func (e *Emulated) Enqueue(_ context.Context, jobID, sessionID string) error {
	// Deliberately detached from the request context: the upload response
	// returns immediately while processing continues in the background.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.budget)
		defer cancel()
		if err := e.proc.Process(ctx, jobID, sessionID); err != nil {
			slog.Error("emulated task failed", "jobId", jobID, "error", err)
		}
	}()
	return nil
}

// CloudTasksConfig holds queue addressing and the OIDC identity used to sign
// worker callbacks. Redelivery policy (maxAttempts 3-5, backoff 30s-5m) is
// configured on the queue itself, not per task.
type CloudTasksConfig struct {
	Project             string
	Region              string
	Queue               string
	TargetURL           string
	ServiceAccountEmail string
	AttemptBudget       time.Duration
}

// CloudTasks produces HTTP tasks targeting the worker callback URL. Task
// names derive from the job ID so queue-side redelivery of the same enqueue
// deduplicates within the queue's dedup window.
type CloudTasks struct {
	client   *cloudtasks.Client
	cfg      CloudTasksConfig
	fallback *Emulated
}

func NewCloudTasks(client *cloudtasks.Client, cfg CloudTasksConfig, fallback *Emulated) *CloudTasks {
	return &CloudTasks{client: client, cfg: cfg, fallback: fallback}
}

func (d *CloudTasks) Emulated() bool { return false }

func (d *CloudTasks) Enqueue(ctx context.Context, jobID, sessionID string) error {
	body, err := json.Marshal(Payload{JobID: jobID, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	parent := fmt.Sprintf("projects/%s/locations/%s/queues/%s", d.cfg.Project, d.cfg.Region, d.cfg.Queue)
	req := &cloudtaskspb.CreateTaskRequest{
		Parent: parent,
		Task: &cloudtaskspb.Task{
			Name:             fmt.Sprintf("%s/tasks/job-%s", parent, jobID),
			DispatchDeadline: durationpb.New(d.cfg.AttemptBudget),
			MessageType: &cloudtaskspb.Task_HttpRequest{
				HttpRequest: &cloudtaskspb.HttpRequest{
					HttpMethod: cloudtaskspb.HttpMethod_POST,
					Url:        d.cfg.TargetURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       body,
					AuthorizationHeader: &cloudtaskspb.HttpRequest_OidcToken{
						OidcToken: &cloudtaskspb.OidcToken{
							ServiceAccountEmail: d.cfg.ServiceAccountEmail,
							Audience:            d.cfg.TargetURL,
						},
					},
				},
			},
		},
	}

	task, err := d.client.CreateTask(ctx, req)
	if status.Code(err) == codes.AlreadyExists {
		// Duplicate enqueue for a job whose task is still in the dedup
		// window; the earlier task will deliver.
		slog.Info("task already enqueued", "jobId", jobID)
		return nil
	}
	if err != nil {
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
			if d.fallback != nil {
				slog.Warn("queue enqueue failed; falling back to in-process execution", "jobId", jobID, "error", err)
				return d.fallback.Enqueue(ctx, jobID, sessionID)
			}
		}
		return fmt.Errorf("failed to create task for job %s: %w", jobID, err)
	}
	slog.Info("task enqueued", "jobId", jobID, "task", task.GetName())
	return nil
}
