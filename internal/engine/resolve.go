package engine

import (
	"context"
	"errors"
	"fmt"

	"runplane/internal/store"
)

// resolvedTask is the outcome of matching a run to a task definition.
type resolvedTask struct {
	Worker       *store.BackgroundWorker
	Task         *store.BackgroundWorkerTask
	DeploymentID string
}

// resolveTask locates the task definition a run executes against. Order:
// the run's explicit locked version, then the most recent worker for
// development environments, then the promoted deployment. Failures come
// back as *ResolutionError with one of the four mismatch codes.
func (e *Engine) resolveTask(ctx context.Context, env *store.Environment, taskIdentifier, lockedToVersion string) (*resolvedTask, error) {
	if lockedToVersion != "" {
		worker, err := e.db.GetWorkerByVersion(ctx, env.ID, lockedToVersion)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ResolutionError{
				Code:    CodeNoWorker,
				Message: fmt.Sprintf("worker version %s is not registered", lockedToVersion),
			}
		}
		if err != nil {
			return nil, err
		}
		return taskFromWorker(worker, taskIdentifier, "")
	}

	if env.Type == store.EnvironmentTypeDevelopment {
		worker, err := e.db.LatestWorkerForEnv(ctx, env.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ResolutionError{
				Code:    CodeNoWorker,
				Message: "no worker has been registered for this environment",
			}
		}
		if err != nil {
			return nil, err
		}
		return taskFromWorker(worker, taskIdentifier, "")
	}

	deployment, err := e.db.PromotedDeploymentForEnv(ctx, env.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ResolutionError{
			Code:    CodeNoWorker,
			Message: "no deployment has been promoted for this environment",
		}
	}
	if err != nil {
		return nil, err
	}

	worker, err := e.db.GetWorkerByID(ctx, deployment.WorkerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ResolutionError{
			Code:             CodeBackgroundWorkerMismatch,
			Message:          "promoted deployment points at a missing worker",
			ExpectedWorkerID: deployment.WorkerID,
		}
	}
	if err != nil {
		return nil, err
	}
	return taskFromWorker(worker, taskIdentifier, deployment.ID)
}

func taskFromWorker(worker *store.BackgroundWorker, taskIdentifier, deploymentID string) (*resolvedTask, error) {
	for i := range worker.Tasks {
		if worker.Tasks[i].Identifier == taskIdentifier {
			return &resolvedTask{
				Worker:       worker,
				Task:         &worker.Tasks[i],
				DeploymentID: deploymentID,
			}, nil
		}
	}
	return nil, &ResolutionError{
		Code: CodeTaskNotInLatest,
		Message: fmt.Sprintf("task %q is not defined in worker version %s",
			taskIdentifier, worker.Version),
		ExpectedWorkerID: worker.ID,
	}
}

// resolveForRun re-resolves at dequeue time and distinguishes a task the
// environment has never seen from one dropped in a newer version.
func (e *Engine) resolveForRun(ctx context.Context, env *store.Environment, run *store.TaskRun) (*resolvedTask, error) {
	resolved, err := e.resolveTask(ctx, env, run.TaskIdentifier, run.LockedToVersion)
	if err == nil {
		return resolved, nil
	}

	var resErr *ResolutionError
	if errors.As(err, &resErr) && resErr.Code == CodeTaskNotInLatest {
		if run.LockedWorkerID != "" && run.LockedWorkerID != resErr.ExpectedWorkerID {
			return nil, &ResolutionError{
				Code:             CodeBackgroundWorkerMismatch,
				Message:          "run is locked to a different worker than the one currently resolving",
				ExpectedWorkerID: run.LockedWorkerID,
				ReceivedWorkerID: resErr.ExpectedWorkerID,
			}
		}
		ever, checkErr := e.db.TaskEverRegistered(ctx, env.ID, run.TaskIdentifier)
		if checkErr == nil && !ever {
			return nil, &ResolutionError{
				Code:    CodeTaskNeverRegistered,
				Message: fmt.Sprintf("task %q has never been registered in this environment", run.TaskIdentifier),
			}
		}
	}
	return nil, err
}
