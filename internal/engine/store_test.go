package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"runplane/internal/store"
	"runplane/pkg/api"
)

// memStore is an in-memory Store for exercising the state machine
// without Postgres.
type memStore struct {
	mu          sync.Mutex
	envs        map[string]*store.Environment
	runs        map[string]*store.TaskRun
	snapshots   []store.ExecutionSnapshot
	waitpoints  map[string]*store.Waitpoint
	blocked     map[string]map[string]bool
	workers     map[string]*store.BackgroundWorker
	deployments map[string]*store.WorkerDeployment
}

func newMemStore() *memStore {
	return &memStore{
		envs:        make(map[string]*store.Environment),
		runs:        make(map[string]*store.TaskRun),
		waitpoints:  make(map[string]*store.Waitpoint),
		blocked:     make(map[string]map[string]bool),
		workers:     make(map[string]*store.BackgroundWorker),
		deployments: make(map[string]*store.WorkerDeployment),
	}
}

func (m *memStore) CreateOrganization(ctx context.Context, tx store.DBTransaction, org *store.Organization) error {
	return nil
}

func (m *memStore) CreateEnvironment(ctx context.Context, tx store.DBTransaction, env *store.Environment, hashedAPIKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs[env.ID] = env
	return nil
}

func (m *memStore) GetEnvironmentByID(ctx context.Context, id string) (*store.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *env
	return &cp, nil
}

func (m *memStore) GetEnvironmentByAPIKeyHash(ctx context.Context, hash string) (*store.Environment, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Number = len(m.runs) + 1
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRunByID(ctx context.Context, id string) (*store.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) SetRunStatus(ctx context.Context, tx store.DBTransaction, runID string, status store.TaskRunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	return nil
}

func (m *memStore) LockRunToWorker(ctx context.Context, tx store.DBTransaction, runID, workerID, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.LockedWorkerID = workerID
	run.LockedToVersion = version
	return nil
}

func (m *memStore) StartRunAttempt(ctx context.Context, tx store.DBTransaction, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return 0, store.ErrNotFound
	}
	run.Attempt++
	run.Status = store.TaskRunStatusExecuting
	now := time.Now()
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.HeartbeatAt = &now
	return run.Attempt, nil
}

func (m *memStore) CompleteRun(ctx context.Context, tx store.DBTransaction, runID string, status store.TaskRunStatus, output []byte, outputType, errorCode, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	run.Status = status
	run.Output = output
	run.OutputType = outputType
	run.ErrorCode = errorCode
	run.ErrorMessage = errorMessage
	run.CompletedAt = &now
	return nil
}

func (m *memStore) HeartbeatRun(ctx context.Context, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[runID]; ok {
		run.HeartbeatAt = &at
	}
	return nil
}

func (m *memStore) ListRunsWithExpiredHeartbeats(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, run := range m.runs {
		if run.Status != store.TaskRunStatusExecuting && run.Status != store.TaskRunStatusPending {
			continue
		}
		if run.HeartbeatAt != nil && run.HeartbeatAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) ListRunsWaitingForDeploy(ctx context.Context, envID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, run := range m.runs {
		if run.EnvID == envID && run.Status == store.TaskRunStatusWaitingForDeploy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) AppendSnapshot(ctx context.Context, tx store.DBTransaction, snapshot *store.ExecutionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, *snapshot)
	return nil
}

func (m *memStore) LatestSnapshot(ctx context.Context, runID string) (*store.ExecutionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].RunID == runID {
			cp := m.snapshots[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) CreateWaitpoint(ctx context.Context, tx store.DBTransaction, wp *store.Waitpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wp
	m.waitpoints[wp.ID] = &cp
	return nil
}

func (m *memStore) GetWaitpointByID(ctx context.Context, id string) (*store.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wp, ok := m.waitpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *wp
	return &cp, nil
}

func (m *memStore) FindWaitpointByIdempotencyKey(ctx context.Context, envID, key string) (*store.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wp := range m.waitpoints {
		if wp.EnvID == envID && wp.IdempotencyKey == key {
			cp := *wp
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) CompleteWaitpoint(ctx context.Context, tx store.DBTransaction, id string, output []byte, outputIsError bool, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wp, ok := m.waitpoints[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if wp.Status == store.WaitpointStatusCompleted {
		return false, nil
	}
	wp.Status = store.WaitpointStatusCompleted
	wp.Output = output
	wp.OutputIsError = outputIsError
	wp.CompletedAt = &completedAt
	return true, nil
}

func (m *memStore) BlockRunWithWaitpoint(ctx context.Context, tx store.DBTransaction, runID, waitpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked[runID] == nil {
		m.blocked[runID] = make(map[string]bool)
	}
	m.blocked[runID][waitpointID] = true
	return nil
}

func (m *memStore) OpenWaitpointCountForRun(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for wpID := range m.blocked[runID] {
		if wp, ok := m.waitpoints[wpID]; ok && wp.Status == store.WaitpointStatusPending {
			count++
		}
	}
	return count, nil
}

func (m *memStore) RunsBlockedByWaitpoint(ctx context.Context, waitpointID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for runID, wps := range m.blocked {
		if wps[waitpointID] {
			ids = append(ids, runID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) CompletedWaitpointsForRun(ctx context.Context, runID string) ([]store.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Waitpoint
	for wpID := range m.blocked[runID] {
		if wp, ok := m.waitpoints[wpID]; ok && wp.Status == store.WaitpointStatusCompleted {
			out = append(out, *wp)
		}
	}
	return out, nil
}

func (m *memStore) ClearBlockedWaitpoints(ctx context.Context, tx store.DBTransaction, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, runID)
	return nil
}

func (m *memStore) DueWaitpoints(ctx context.Context, now time.Time, limit int) ([]store.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Waitpoint
	for _, wp := range m.waitpoints {
		if wp.Status == store.WaitpointStatusPending && wp.ResumeAt != nil && !wp.ResumeAt.After(now) {
			out = append(out, *wp)
		}
	}
	return out, nil
}

func (m *memStore) PendingWaitpointsCompletedByRun(ctx context.Context, runID string) ([]store.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Waitpoint
	for _, wp := range m.waitpoints {
		if wp.Status == store.WaitpointStatusPending && wp.Type == api.WaitpointTypeRun && wp.CompletedByRunID == runID {
			out = append(out, *wp)
		}
	}
	return out, nil
}

func (m *memStore) CreateWorker(ctx context.Context, tx store.DBTransaction, worker *store.BackgroundWorker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *worker
	m.workers[worker.ID] = &cp
	return nil
}

func (m *memStore) GetWorkerByID(ctx context.Context, id string) (*store.BackgroundWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *worker
	return &cp, nil
}

func (m *memStore) GetWorkerByVersion(ctx context.Context, envID, version string) (*store.BackgroundWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, worker := range m.workers {
		if worker.EnvID == envID && worker.Version == version {
			cp := *worker
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) LatestWorkerForEnv(ctx context.Context, envID string) (*store.BackgroundWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *store.BackgroundWorker
	for _, worker := range m.workers {
		if worker.EnvID != envID {
			continue
		}
		if latest == nil || worker.CreatedAt.After(latest.CreatedAt) {
			latest = worker
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) TaskEverRegistered(ctx context.Context, envID, taskIdentifier string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, worker := range m.workers {
		if worker.EnvID != envID {
			continue
		}
		for _, task := range worker.Tasks {
			if task.Identifier == taskIdentifier {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memStore) CreateDeployment(ctx context.Context, tx store.DBTransaction, d *store.WorkerDeployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *memStore) PromoteDeployment(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.deployments[deploymentID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	for _, d := range m.deployments {
		if d.EnvID == target.EnvID {
			d.Promoted = false
		}
	}
	target.Promoted = true
	target.PromotedAt = &now
	return nil
}

func (m *memStore) PromotedDeploymentForEnv(ctx context.Context, envID string) (*store.WorkerDeployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.EnvID == envID && d.Promoted {
			cp := *d
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}
