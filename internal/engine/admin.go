package engine

import (
	"context"
	"fmt"
	"time"

	"runplane/internal/keys"
	"runplane/internal/runqueue"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// RegisterWorkerRequest registers a worker version for an environment.
type RegisterWorkerRequest struct {
	Env                 *store.Environment
	Version             string
	Image               string
	SupportsCheckpoints bool
	Tasks               []api.WorkerTask
}

// RegisterWorker stores a new BackgroundWorker. Production environments
// also get an (unpromoted) deployment for it; development environments
// resolve to the latest worker directly. Any runs parked waiting for a
// deploy are re-resolved afterwards.
func (e *Engine) RegisterWorker(ctx context.Context, req RegisterWorkerRequest) (*store.BackgroundWorker, *store.WorkerDeployment, error) {
	if req.Version == "" {
		return nil, nil, fmt.Errorf("worker version is required")
	}
	if len(req.Tasks) == 0 {
		return nil, nil, fmt.Errorf("a worker must define at least one task")
	}

	workerID, _ := friendlyID("worker")
	worker := &store.BackgroundWorker{
		ID:                  workerID,
		EnvID:               req.Env.ID,
		Version:             req.Version,
		Image:               req.Image,
		SupportsCheckpoints: req.SupportsCheckpoints,
		CreatedAt:           time.Now(),
	}
	for _, task := range req.Tasks {
		taskID, _ := friendlyID("task")
		worker.Tasks = append(worker.Tasks, store.BackgroundWorkerTask{
			ID:          taskID,
			WorkerID:    workerID,
			Identifier:  task.Identifier,
			Queue:       task.Queue,
			Machine:     task.Machine,
			MaxAttempts: task.MaxAttempts,
		})
	}
	if err := e.db.CreateWorker(ctx, nil, worker); err != nil {
		return nil, nil, err
	}

	var deployment *store.WorkerDeployment
	if req.Env.Type != store.EnvironmentTypeDevelopment {
		deploymentID, _ := friendlyID("deployment")
		deployment = &store.WorkerDeployment{
			ID:        deploymentID,
			EnvID:     req.Env.ID,
			WorkerID:  workerID,
			CreatedAt: time.Now(),
		}
		if err := e.db.CreateDeployment(ctx, nil, deployment); err != nil {
			return nil, nil, err
		}
	}

	e.logger.InfoContext(ctx, "worker registered",
		"worker_id", workerID, "version", req.Version, "env_id", req.Env.ID,
		"tasks", len(worker.Tasks))

	if req.Env.Type == store.EnvironmentTypeDevelopment {
		if err := e.ReleaseWaitingRuns(ctx, req.Env); err != nil {
			e.logger.ErrorContext(ctx, "failed to release waiting runs", "error", err)
		}
	}
	return worker, deployment, nil
}

// PromoteDeployment makes a deployment the one production runs resolve
// to, then releases runs that were waiting for it.
func (e *Engine) PromoteDeployment(ctx context.Context, env *store.Environment, deploymentID string) error {
	if err := e.db.PromoteDeployment(ctx, deploymentID); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "deployment promoted",
		"deployment_id", deploymentID, "env_id", env.ID)
	return e.ReleaseWaitingRuns(ctx, env)
}

// QueueStats returns the introspection numbers for one queue of an
// environment.
func (e *Engine) QueueStats(ctx context.Context, env *store.Environment, queueName, concurrencyKey string) (*api.QueueStatsResponse, error) {
	kp := e.queue.KeyProducer()
	queueKey, err := kp.QueueKey(env.OrgID, env.ID, queueName, concurrencyKey, 0)
	if err != nil {
		return nil, err
	}

	length, err := e.queue.LengthOfQueue(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	current, err := e.queue.CurrentConcurrencyOfQueue(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	limit, err := e.queue.GetQueueConcurrencyLimit(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	envCurrent, err := e.queue.CurrentConcurrencyOfEnvironment(ctx, keys.Shorten(env.ID))
	if err != nil {
		return nil, err
	}
	envLimit, err := e.queue.GetEnvConcurrencyLimit(ctx, keys.Shorten(env.ID))
	if err != nil {
		return nil, err
	}

	return &api.QueueStatsResponse{
		Queue:               queueName,
		Length:              length,
		CurrentConcurrency:  current,
		ConcurrencyLimit:    limit,
		EnvConcurrency:      envCurrent,
		EnvConcurrencyLimit: envLimit,
	}, nil
}

// ListDeadLetter surfaces dead-lettered runs for operators.
func (e *Engine) ListDeadLetter(ctx context.Context) ([]api.DeadLetterMessage, error) {
	entries, err := e.queue.ListDeadLetter(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.DeadLetterMessage, 0, len(entries))
	for _, entry := range entries {
		out = append(out, api.DeadLetterMessage{
			MessageID:      entry.Message.ID,
			RunID:          entry.Message.RunID,
			Queue:          entry.Message.Queue,
			Nacks:          entry.Nacks,
			DeadLetteredAt: entry.DeadLetteredAt,
		})
	}
	return out, nil
}

// RedriveDeadLetter puts a dead-lettered message back on its queue. The
// run was finished when it dead-lettered, so it is reopened first;
// otherwise dequeue would drop it as terminal.
func (e *Engine) RedriveDeadLetter(ctx context.Context, messageID string) (*api.RedriveResponse, error) {
	var msg runqueue.Message

	err := e.locks.WithRun(ctx, messageID, func(ctx context.Context) error {
		run, err := e.db.GetRunByID(ctx, messageID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			if err := e.db.SetRunStatus(ctx, nil, run.ID, store.TaskRunStatusPending); err != nil {
				return err
			}
		}
		msg, err = e.queue.Redrive(ctx, messageID)
		if err != nil {
			return err
		}
		_, err = e.appendSnapshot(ctx, run.ID, api.ExecutionStatusQueued,
			"Run redriven from the dead-letter queue")
		return err
	})
	if err != nil {
		return nil, err
	}
	return &api.RedriveResponse{MessageID: msg.ID, Queue: msg.Queue}, nil
}
