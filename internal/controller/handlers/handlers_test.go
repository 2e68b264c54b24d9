package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"runplane/internal/controller/middleware"
	"runplane/internal/engine"
	"runplane/internal/limiter"
	"runplane/internal/runlock"
	"runplane/internal/runqueue"
	"runplane/internal/store"
	"runplane/pkg/api"
)

type mockTx struct{}

func (m *mockTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (m *mockTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (m *mockTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}
func (m *mockTx) Commit() error   { return nil }
func (m *mockTx) Rollback() error { return nil }

// mockStore is an in-memory Store for exercising handlers without
// Postgres.
type mockStore struct {
	mu          sync.Mutex
	orgs        map[string]*store.Organization
	envs        map[string]*store.Environment
	envKeys     map[string]string // hash -> env id
	runs        map[string]*store.TaskRun
	snapshots   []store.ExecutionSnapshot
	waitpoints  map[string]*store.Waitpoint
	blocked     map[string]map[string]bool
	workers     map[string]*store.BackgroundWorker
	deployments map[string]*store.WorkerDeployment
	logs        map[string][]store.RunLog
	nextLogID   int64

	beginTxErr error
	pingErr    error
}

func newMockStore() *mockStore {
	return &mockStore{
		orgs:        make(map[string]*store.Organization),
		envs:        make(map[string]*store.Environment),
		envKeys:     make(map[string]string),
		runs:        make(map[string]*store.TaskRun),
		waitpoints:  make(map[string]*store.Waitpoint),
		blocked:     make(map[string]map[string]bool),
		workers:     make(map[string]*store.BackgroundWorker),
		deployments: make(map[string]*store.WorkerDeployment),
		logs:        make(map[string][]store.RunLog),
	}
}

func (m *mockStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if m.beginTxErr != nil {
		return nil, m.beginTxErr
	}
	return &mockTx{}, nil
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) CreateOrganization(ctx context.Context, tx store.DBTransaction, org *store.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *mockStore) CreateEnvironment(ctx context.Context, tx store.DBTransaction, env *store.Environment, hashedAPIKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *env
	m.envs[env.ID] = &cp
	m.envKeys[hashedAPIKey] = env.ID
	return nil
}

func (m *mockStore) GetEnvironmentByID(ctx context.Context, id string) (*store.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *env
	return &cp, nil
}

func (m *mockStore) GetEnvironmentByAPIKeyHash(ctx context.Context, hash string) (*store.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	envID, ok := m.envKeys[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m.envs[envID]
	return &cp, nil
}

func (m *mockStore) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Number = len(m.runs) + 1
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) GetRunByID(ctx context.Context, id string) (*store.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *mockStore) SetRunStatus(ctx context.Context, tx store.DBTransaction, runID string, status store.TaskRunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	return nil
}

func (m *mockStore) LockRunToWorker(ctx context.Context, tx store.DBTransaction, runID, workerID, version string) error {
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

func (m *mockStore) StartRunAttempt(ctx context.Context, tx store.DBTransaction, runID string) (int, error) {
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

func (m *mockStore) CompleteRun(ctx context.Context, tx store.DBTransaction, runID string, status store.TaskRunStatus, output []byte, outputType, errorCode, errorMessage string) error {
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

func (m *mockStore) HeartbeatRun(ctx context.Context, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[runID]; ok {
		run.HeartbeatAt = &at
	}
	return nil
}

func (m *mockStore) ListRunsWithExpiredHeartbeats(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return nil, nil
}

func (m *mockStore) ListRunsWaitingForDeploy(ctx context.Context, envID string) ([]string, error) {
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

func (m *mockStore) AppendSnapshot(ctx context.Context, tx store.DBTransaction, snapshot *store.ExecutionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, *snapshot)
	return nil
}

func (m *mockStore) LatestSnapshot(ctx context.Context, runID string) (*store.ExecutionSnapshot, error) {
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

func (m *mockStore) CreateWaitpoint(ctx context.Context, tx store.DBTransaction, wp *store.Waitpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wp
	m.waitpoints[wp.ID] = &cp
	return nil
}

func (m *mockStore) GetWaitpointByID(ctx context.Context, id string) (*store.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wp, ok := m.waitpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *wp
	return &cp, nil
}

func (m *mockStore) FindWaitpointByIdempotencyKey(ctx context.Context, envID, key string) (*store.Waitpoint, error) {
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

func (m *mockStore) CompleteWaitpoint(ctx context.Context, tx store.DBTransaction, id string, output []byte, outputIsError bool, completedAt time.Time) (bool, error) {
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

func (m *mockStore) BlockRunWithWaitpoint(ctx context.Context, tx store.DBTransaction, runID, waitpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked[runID] == nil {
		m.blocked[runID] = make(map[string]bool)
	}
	m.blocked[runID][waitpointID] = true
	return nil
}

func (m *mockStore) OpenWaitpointCountForRun(ctx context.Context, runID string) (int, error) {
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

func (m *mockStore) RunsBlockedByWaitpoint(ctx context.Context, waitpointID string) ([]string, error) {
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

func (m *mockStore) CompletedWaitpointsForRun(ctx context.Context, runID string) ([]store.Waitpoint, error) {
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

func (m *mockStore) ClearBlockedWaitpoints(ctx context.Context, tx store.DBTransaction, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, runID)
	return nil
}

func (m *mockStore) DueWaitpoints(ctx context.Context, now time.Time, limit int) ([]store.Waitpoint, error) {
	return nil, nil
}

func (m *mockStore) PendingWaitpointsCompletedByRun(ctx context.Context, runID string) ([]store.Waitpoint, error) {
	return nil, nil
}

func (m *mockStore) CreateWorker(ctx context.Context, tx store.DBTransaction, worker *store.BackgroundWorker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *worker
	m.workers[worker.ID] = &cp
	return nil
}

func (m *mockStore) GetWorkerByID(ctx context.Context, id string) (*store.BackgroundWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *worker
	return &cp, nil
}

func (m *mockStore) GetWorkerByVersion(ctx context.Context, envID, version string) (*store.BackgroundWorker, error) {
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

func (m *mockStore) LatestWorkerForEnv(ctx context.Context, envID string) (*store.BackgroundWorker, error) {
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

func (m *mockStore) TaskEverRegistered(ctx context.Context, envID, taskIdentifier string) (bool, error) {
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

func (m *mockStore) CreateDeployment(ctx context.Context, tx store.DBTransaction, d *store.WorkerDeployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *mockStore) PromoteDeployment(ctx context.Context, deploymentID string) error {
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

func (m *mockStore) PromotedDeploymentForEnv(ctx context.Context, envID string) (*store.WorkerDeployment, error) {
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

func (m *mockStore) AddRunLog(ctx context.Context, runID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	m.logs[runID] = append(m.logs[runID], store.RunLog{
		ID:        m.nextLogID,
		RunID:     runID,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *mockStore) GetRunLogs(ctx context.Context, runID string, afterID int64, limit int) ([]store.RunLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RunLog
	for _, l := range m.logs[runID] {
		if l.ID <= afterID {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// fakeAdmission grants or refuses every acquire.
type fakeAdmission struct {
	allow    bool
	acquired int
	released int
}

func (f *fakeAdmission) Acquire(ctx context.Context, req limiter.AcquireRequest) (limiter.AcquireResult, error) {
	f.acquired++
	if !f.allow {
		return limiter.AcquireResult{Success: false, Reason: limiter.ReasonKeyLimit}, nil
	}
	return limiter.AcquireResult{Success: true}, nil
}

func (f *fakeAdmission) Release(ctx context.Context, key, requestID string) error {
	f.released++
	return nil
}

func newTestHandlers(t *testing.T) (*Handlers, *mockStore) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := newMockStore()
	queue := runqueue.New(rdb, runqueue.Options{})
	locks := runlock.New(rdb, "runlock")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := engine.New(ms, queue, locks, logger, engine.Options{
		RetryBaseDelay:     time.Second,
		HeartbeatTimeout:   time.Minute,
		DefaultMaxAttempts: 1,
	})
	return New(eng, ms, nil, logger, Options{}), ms
}

func addTestEnv(ms *mockStore, id, orgID string, envType store.EnvironmentType) *store.Environment {
	env := &store.Environment{
		ID:        id,
		OrgID:     orgID,
		Type:      envType,
		CreatedAt: time.Now(),
	}
	ms.envs[id] = env
	return env
}

func registerTestWorker(t *testing.T, h *Handlers, env *store.Environment) {
	t.Helper()
	_, _, err := h.eng.RegisterWorker(context.Background(), engine.RegisterWorkerRequest{
		Env:     env,
		Version: "v1",
		Image:   "registry.local/tasks:v1",
		Tasks: []api.WorkerTask{
			{Identifier: "send-email", Queue: "task/send-email", Machine: "small-1x", MaxAttempts: 2},
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
}

func jsonRequest(method, target string, body any, env *store.Environment) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	if env != nil {
		req = req.WithContext(middleware.NewContextWithEnv(req.Context(), env))
	}
	return req
}

func decodeEnvelope[T any](t *testing.T, rec *httptest.ResponseRecorder) api.Envelope[T] {
	t.Helper()
	var env api.Envelope[T]
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return env
}

func triggerTestRun(t *testing.T, h *Handlers, env *store.Environment) *store.TaskRun {
	t.Helper()
	run, err := h.eng.Trigger(context.Background(), engine.TriggerRequest{
		Env:            env,
		TaskIdentifier: "send-email",
		Payload:        []byte(`{"to":"a@example.com"}`),
		PayloadType:    "application/json",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	return run
}
