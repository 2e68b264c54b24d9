// Package engine implements the run state machine: triggering, dequeue,
// attempt lifecycle, waitpoints, and the background loops that keep runs
// moving. Every transition on a run happens under that run's distributed
// lock and appends an execution snapshot.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"runplane/internal/keys"
	"runplane/internal/runlock"
	"runplane/internal/runqueue"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// Store is the persistence surface the engine needs.
type Store interface {
	store.OrgStore
	store.RunStore
	store.SnapshotStore
	store.WaitpointStore
	store.WorkerStore
}

// Options tunes engine behavior.
type Options struct {
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration
	// HeartbeatTimeout is how stale a run's heartbeat may get before the
	// reaper treats the attempt as lost.
	HeartbeatTimeout time.Duration
	// DefaultMaxAttempts applies when a task definition does not set one.
	DefaultMaxAttempts int
}

func (o *Options) withDefaults() {
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 2 * time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = time.Hour
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * time.Minute
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 1
	}
}

// Engine drives all run state transitions.
type Engine struct {
	db     Store
	queue  *runqueue.Queue
	locks  *runlock.Locker
	logger *slog.Logger
	opts   Options
}

// New wires the engine. All dependencies are required.
func New(db Store, queue *runqueue.Queue, locks *runlock.Locker, logger *slog.Logger, opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		db:     db,
		queue:  queue,
		locks:  locks,
		logger: logger,
		opts:   opts,
	}
}

// Queue exposes the underlying fair queue for introspection surfaces.
func (e *Engine) Queue() *runqueue.Queue {
	return e.queue
}

func friendlyID(prefix string) (string, string) {
	id := uuid.NewString()
	return id, prefix + "_" + strings.ReplaceAll(id, "-", "")
}

// appendSnapshot writes the next snapshot for a run. Callers must hold
// the run lock.
func (e *Engine) appendSnapshot(ctx context.Context, runID string, status api.ExecutionStatus, description string) (*store.ExecutionSnapshot, error) {
	id, friendly := friendlyID("snapshot")
	snap := &store.ExecutionSnapshot{
		ID:              id,
		FriendlyID:      friendly,
		RunID:           runID,
		ExecutionStatus: status,
		Description:     description,
		CreatedAt:       time.Now(),
	}
	if err := e.db.AppendSnapshot(ctx, nil, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func snapshotToAPI(s *store.ExecutionSnapshot) api.Snapshot {
	return api.Snapshot{
		ID:              s.ID,
		FriendlyID:      s.FriendlyID,
		ExecutionStatus: s.ExecutionStatus,
		Description:     s.Description,
		CreatedAt:       s.CreatedAt,
	}
}

// checkSnapshot rejects calls quoting anything but the latest snapshot.
func (e *Engine) checkSnapshot(ctx context.Context, runID, snapshotID string) (*store.ExecutionSnapshot, error) {
	latest, err := e.db.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	if latest.ID != snapshotID {
		return nil, &StaleSnapshotError{
			RunID:  runID,
			Got:    snapshotID,
			Latest: snapshotToAPI(latest),
		}
	}
	return latest, nil
}

func machineFor(name string) api.MachinePreset {
	if preset, ok := api.MachinePresets[name]; ok {
		return preset
	}
	return api.MachinePresets[api.DefaultMachine]
}

func keysEnvType(t store.EnvironmentType) keys.EnvType {
	if t == store.EnvironmentTypeDevelopment {
		return keys.EnvTypeDevelopment
	}
	return keys.EnvTypeProduction
}

// MasterQueueForEnv returns the master queue a worker serving this
// environment should poll. Development environments get their own;
// everything else shares one pool.
func (e *Engine) MasterQueueForEnv(env *store.Environment) string {
	kp := e.queue.KeyProducer()
	return kp.EnvSharedQueueKey(env.OrgID, env.ID, keysEnvType(env.Type))
}

// SharedMasterQueue is the pooled master queue every non-development
// environment's runs land on.
func (e *Engine) SharedMasterQueue() string {
	return e.queue.KeyProducer().EnvSharedQueueKey("", "", keys.EnvTypeProduction)
}
