// Package runqueue implements the multi-tenant fair run queue (MarQS).
//
// Queued runs are references: a small message blob keyed by run id, an
// entry in a per-tenant-queue zset ordered by visibility time, and a
// master queue zset merging every queue a worker pool may serve. Dequeue
// walks the master queue in priority order and claims only from queues
// whose concurrency ceilings admit another run, skipping the rest in
// place so one saturated tenant cannot block the others.
package runqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"runplane/internal/keys"
)

// ErrMessageNotFound is returned for operations on unknown message ids.
var ErrMessageNotFound = errors.New("message not found")

// Defaults applied when no per-queue/env/org override is stored.
const (
	DefaultQueueConcurrency = 10
	DefaultEnvConcurrency   = 100
	DefaultOrgConcurrency   = 300
	DefaultMaxNacks         = 3

	// masterQueueScanDepth bounds how many tenant queues one dequeue
	// call will consider.
	masterQueueScanDepth = 128
)

// Message is the queued reference to a run.
type Message struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Queue       string    `json:"queue"`
	MasterQueue string    `json:"master_queue"`
	Org         string    `json:"org"`
	Env         string    `json:"env"`
	Priority    int       `json:"priority"`
	CPUMillis   int64     `json:"cpu_millis"`
	MemoryMB    int64     `json:"memory_mb"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// EnqueueRequest inserts one run reference.
type EnqueueRequest struct {
	Org            string
	Env            string
	EnvType        keys.EnvType
	QueueName      string
	ConcurrencyKey string
	Priority       int
	RunID          string
	CPUMillis      int64
	MemoryMB       int64
	// AvailableAt delays visibility; zero means immediately.
	AvailableAt time.Time
}

// DequeueRequest asks for admissible runs from one master queue.
type DequeueRequest struct {
	ConsumerID  string
	MasterQueue string
	MaxRunCount int
	// MaxCPUMillis/MaxMemoryMB cap the combined resources of the claimed
	// runs; zero means unlimited.
	MaxCPUMillis int64
	MaxMemoryMB  int64
}

// DeadLetter is one entry from the dead-letter set.
type DeadLetter struct {
	Message        Message
	Nacks          int
	DeadLetteredAt time.Time
}

// Options tunes queue defaults.
type Options struct {
	Prefix           string
	QueueConcurrency int64
	EnvConcurrency   int64
	OrgConcurrency   int64
	MaxNacks         int
}

// Queue is the Redis-backed fair queue.
type Queue struct {
	rdb  redis.UniversalClient
	keys *keys.KeyProducer
	opts Options
}

// New creates a Queue. A zero option falls back to its default.
func New(rdb redis.UniversalClient, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "marqs"
	}
	if opts.QueueConcurrency <= 0 {
		opts.QueueConcurrency = DefaultQueueConcurrency
	}
	if opts.EnvConcurrency <= 0 {
		opts.EnvConcurrency = DefaultEnvConcurrency
	}
	if opts.OrgConcurrency <= 0 {
		opts.OrgConcurrency = DefaultOrgConcurrency
	}
	if opts.MaxNacks <= 0 {
		opts.MaxNacks = DefaultMaxNacks
	}
	return &Queue{
		rdb:  rdb,
		keys: keys.NewKeyProducer(opts.Prefix),
		opts: opts,
	}
}

// KeyProducer exposes the producer so callers share one key scheme.
func (q *Queue) KeyProducer() *keys.KeyProducer {
	return q.keys
}

// Enqueue inserts a run reference and returns the message.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Message, error) {
	if req.RunID == "" {
		return Message{}, fmt.Errorf("enqueue: run id is required")
	}
	queueKey, err := q.keys.QueueKey(req.Org, req.Env, req.QueueName, req.ConcurrencyKey, req.Priority)
	if err != nil {
		return Message{}, fmt.Errorf("enqueue run %s: %w", req.RunID, err)
	}

	availableAt := req.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}

	msg := Message{
		ID:          req.RunID,
		RunID:       req.RunID,
		Queue:       queueKey,
		MasterQueue: q.keys.EnvSharedQueueKey(req.Org, req.Env, req.EnvType),
		Org:         keys.Shorten(req.Org),
		Env:         keys.Shorten(req.Env),
		Priority:    req.Priority,
		CPUMillis:   req.CPUMillis,
		MemoryMB:    req.MemoryMB,
		EnqueuedAt:  time.Now(),
	}
	blob, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("enqueue run %s: %w", req.RunID, err)
	}

	err = enqueueScript.Run(ctx, q.rdb,
		[]string{
			q.keys.QueueKeyForRedis(queueKey),
			q.keys.MasterQueueKey(msg.MasterQueue),
			q.keys.MessageKey(msg.ID),
		},
		msg.ID,
		availableAt.UnixMilli(),
		string(blob),
		queueKey,
	).Err()
	if err != nil {
		return Message{}, fmt.Errorf("enqueue run %s: %w", req.RunID, err)
	}
	return msg, nil
}

type queueCandidate struct {
	queueKey string
	desc     keys.QueueDescriptor
	score    float64
}

// Dequeue returns up to MaxRunCount admissible runs. It never blocks and
// an empty result is normal; callers poll with backoff.
func (q *Queue) Dequeue(ctx context.Context, req DequeueRequest) ([]Message, error) {
	if req.MaxRunCount <= 0 {
		req.MaxRunCount = 1
	}

	members, err := q.rdb.ZRangeWithScores(ctx, q.keys.MasterQueueKey(req.MasterQueue), 0, masterQueueScanDepth-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeue scan master queue %q: %w", req.MasterQueue, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	candidates := make([]queueCandidate, 0, len(members))
	for _, m := range members {
		queueKey, ok := m.Member.(string)
		if !ok {
			continue
		}
		desc, err := q.keys.QueueDescriptorFromQueue(queueKey)
		if err != nil {
			// A foreign key in the master queue is an operator problem,
			// not a reason to fail the whole dequeue.
			continue
		}
		candidates = append(candidates, queueCandidate{queueKey: queueKey, desc: desc, score: m.Score})
	}
	// Highest priority first; equal priority dequeues oldest queue first.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].desc.Priority != candidates[j].desc.Priority {
			return candidates[i].desc.Priority > candidates[j].desc.Priority
		}
		return candidates[i].score < candidates[j].score
	})

	cpuBudget := req.MaxCPUMillis
	memBudget := req.MaxMemoryMB

	var claimed []Message
	for _, cand := range candidates {
		if len(claimed) >= req.MaxRunCount {
			break
		}
		for len(claimed) < req.MaxRunCount {
			msg, status, err := q.claimOne(ctx, cand, req.MasterQueue, cpuBudget, memBudget)
			if err != nil {
				return claimed, err
			}
			if status != claimOK {
				break
			}
			claimed = append(claimed, msg)
			if cpuBudget > 0 {
				cpuBudget -= msg.CPUMillis
				if cpuBudget <= 0 {
					return claimed, nil
				}
			}
			if memBudget > 0 {
				memBudget -= msg.MemoryMB
				if memBudget <= 0 {
					return claimed, nil
				}
			}
		}
	}
	return claimed, nil
}

type claimStatus int

const (
	claimOK claimStatus = iota
	claimSkip
	claimEmpty
)

func (q *Queue) claimOne(ctx context.Context, cand queueCandidate, masterQueue string, cpuBudget, memBudget int64) (Message, claimStatus, error) {
	cpu := int64(-1)
	if cpuBudget > 0 {
		cpu = cpuBudget
	}
	mem := int64(-1)
	if memBudget > 0 {
		mem = memBudget
	}

	res, err := claimScript.Run(ctx, q.rdb,
		[]string{
			q.keys.QueueKeyForRedis(cand.queueKey),
			q.keys.QueueConcurrencyKey(cand.queueKey),
			q.keys.EnvConcurrencyKey(cand.desc.Env),
			q.keys.OrgConcurrencyKey(cand.desc.Org),
			q.keys.MasterQueueKey(masterQueue),
			q.keys.QueueConcurrencyLimitKey(cand.queueKey),
			q.keys.EnvConcurrencyLimitKey(cand.desc.Env),
			q.keys.OrgConcurrencyLimitKey(cand.desc.Org),
		},
		time.Now().UnixMilli(),
		q.opts.QueueConcurrency,
		q.opts.EnvConcurrency,
		q.opts.OrgConcurrency,
		cand.queueKey,
		q.opts.Prefix+":message:",
		cpu,
		mem,
	).Slice()
	if err != nil {
		return Message{}, claimEmpty, fmt.Errorf("claim from %q: %w", cand.queueKey, err)
	}
	if len(res) == 0 {
		return Message{}, claimEmpty, fmt.Errorf("claim from %q: empty script reply", cand.queueKey)
	}

	switch res[0] {
	case "msg":
		blob, _ := res[2].(string)
		var msg Message
		if err := json.Unmarshal([]byte(blob), &msg); err != nil {
			return Message{}, claimEmpty, fmt.Errorf("claim from %q: decode message: %w", cand.queueKey, err)
		}
		return msg, claimOK, nil
	case "skip":
		return Message{}, claimSkip, nil
	default:
		return Message{}, claimEmpty, nil
	}
}

// Acknowledge removes a message entirely and releases its concurrency
// slots. Safe to call twice; the second call is a no-op.
func (q *Queue) Acknowledge(ctx context.Context, messageID string) error {
	msg, err := q.readMessage(ctx, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	err = ackScript.Run(ctx, q.rdb,
		[]string{
			q.keys.QueueKeyForRedis(msg.Queue),
			q.keys.QueueConcurrencyKey(msg.Queue),
			q.keys.EnvConcurrencyKey(msg.Env),
			q.keys.OrgConcurrencyKey(msg.Org),
			q.keys.MasterQueueKey(msg.MasterQueue),
			q.keys.NacksKey(messageID),
			q.keys.MessageKey(messageID),
		},
		messageID,
		msg.Queue,
	).Err()
	if err != nil {
		return fmt.Errorf("ack %s: %w", messageID, err)
	}
	return nil
}

// Release puts a claimed message back on its queue without touching the
// nack counter, visible again at availableAt (zero means immediately).
func (q *Queue) Release(ctx context.Context, messageID string, availableAt time.Time) error {
	msg, err := q.readMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if availableAt.IsZero() {
		availableAt = time.Now()
	}

	err = releaseScript.Run(ctx, q.rdb,
		[]string{
			q.keys.QueueKeyForRedis(msg.Queue),
			q.keys.QueueConcurrencyKey(msg.Queue),
			q.keys.EnvConcurrencyKey(msg.Env),
			q.keys.OrgConcurrencyKey(msg.Org),
			q.keys.MasterQueueKey(msg.MasterQueue),
		},
		messageID,
		availableAt.UnixMilli(),
		msg.Queue,
	).Err()
	if err != nil {
		return fmt.Errorf("release %s: %w", messageID, err)
	}
	return nil
}

// Nack returns an undelivered message to its queue, visible again at
// retryAt. Once the nack budget is exhausted the message is dead-lettered
// instead. Reports whether the message was dead-lettered.
func (q *Queue) Nack(ctx context.Context, messageID string, retryAt time.Time) (bool, error) {
	msg, err := q.readMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if retryAt.IsZero() {
		retryAt = time.Now()
	}

	res, err := nackScript.Run(ctx, q.rdb,
		[]string{
			q.keys.QueueKeyForRedis(msg.Queue),
			q.keys.QueueConcurrencyKey(msg.Queue),
			q.keys.EnvConcurrencyKey(msg.Env),
			q.keys.OrgConcurrencyKey(msg.Org),
			q.keys.MasterQueueKey(msg.MasterQueue),
			q.keys.NacksKey(messageID),
			q.keys.DeadLetterKey(),
		},
		messageID,
		retryAt.UnixMilli(),
		q.opts.MaxNacks,
		msg.Queue,
		time.Now().UnixMilli(),
	).Slice()
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", messageID, err)
	}
	if len(res) == 0 {
		return false, fmt.Errorf("nack %s: empty script reply", messageID)
	}
	return res[0] == "dead_lettered", nil
}

// ListDeadLetter returns dead-lettered messages, oldest first.
func (q *Queue) ListDeadLetter(ctx context.Context) ([]DeadLetter, error) {
	entries, err := q.rdb.ZRangeWithScores(ctx, q.keys.DeadLetterKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}

	out := make([]DeadLetter, 0, len(entries))
	for _, e := range entries {
		id, ok := e.Member.(string)
		if !ok {
			continue
		}
		msg, err := q.readMessage(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		nacks, _ := q.rdb.Get(ctx, q.keys.NacksKey(id)).Int()
		out = append(out, DeadLetter{
			Message:        msg,
			Nacks:          nacks,
			DeadLetteredAt: time.UnixMilli(int64(e.Score)),
		})
	}
	return out, nil
}

// Redrive moves a dead-lettered message back onto its queue with a fresh
// nack budget.
func (q *Queue) Redrive(ctx context.Context, messageID string) (Message, error) {
	msg, err := q.readMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}

	moved, err := redriveScript.Run(ctx, q.rdb,
		[]string{
			q.keys.DeadLetterKey(),
			q.keys.QueueKeyForRedis(msg.Queue),
			q.keys.MasterQueueKey(msg.MasterQueue),
			q.keys.NacksKey(messageID),
		},
		messageID,
		time.Now().UnixMilli(),
		msg.Queue,
	).Int()
	if err != nil {
		return Message{}, fmt.Errorf("redrive %s: %w", messageID, err)
	}
	if moved == 0 {
		return Message{}, fmt.Errorf("redrive %s: %w", messageID, ErrMessageNotFound)
	}
	return msg, nil
}

// LengthOfQueue returns how many messages sit in one queue, visible or not.
func (q *Queue) LengthOfQueue(ctx context.Context, queueKey string) (int64, error) {
	return q.rdb.ZCard(ctx, q.keys.QueueKeyForRedis(queueKey)).Result()
}

// LengthOfMasterQueue sums the lengths of every queue merged into a
// master queue. Used by operators and by the autoscaler.
func (q *Queue) LengthOfMasterQueue(ctx context.Context, masterQueue string) (int64, error) {
	members, err := q.rdb.ZRange(ctx, q.keys.MasterQueueKey(masterQueue), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("length of master queue %q: %w", masterQueue, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.rdb.Pipeline()
	cards := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		cards[i] = pipe.ZCard(ctx, q.keys.QueueKeyForRedis(m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("length of master queue %q: %w", masterQueue, err)
	}

	var total int64
	for _, c := range cards {
		total += c.Val()
	}
	return total, nil
}

// CurrentConcurrencyOfQueue returns the number of in-flight runs claimed
// from one queue.
func (q *Queue) CurrentConcurrencyOfQueue(ctx context.Context, queueKey string) (int64, error) {
	return q.rdb.SCard(ctx, q.keys.QueueConcurrencyKey(queueKey)).Result()
}

// CurrentConcurrencyOfEnvironment returns the in-flight count for an env.
func (q *Queue) CurrentConcurrencyOfEnvironment(ctx context.Context, env string) (int64, error) {
	return q.rdb.SCard(ctx, q.keys.EnvConcurrencyKey(env)).Result()
}

// CurrentConcurrencyOfOrg returns the in-flight count for an org.
func (q *Queue) CurrentConcurrencyOfOrg(ctx context.Context, org string) (int64, error) {
	return q.rdb.SCard(ctx, q.keys.OrgConcurrencyKey(org)).Result()
}

// GetQueueConcurrencyLimit returns the effective ceiling for one queue.
func (q *Queue) GetQueueConcurrencyLimit(ctx context.Context, queueKey string) (int64, error) {
	return q.readLimit(ctx, q.keys.QueueConcurrencyLimitKey(queueKey), q.opts.QueueConcurrency)
}

// GetEnvConcurrencyLimit returns the effective ceiling for one env.
func (q *Queue) GetEnvConcurrencyLimit(ctx context.Context, env string) (int64, error) {
	return q.readLimit(ctx, q.keys.EnvConcurrencyLimitKey(env), q.opts.EnvConcurrency)
}

// SetQueueConcurrencyLimit overrides the ceiling for one queue.
func (q *Queue) SetQueueConcurrencyLimit(ctx context.Context, queueKey string, limit int64) error {
	return q.rdb.Set(ctx, q.keys.QueueConcurrencyLimitKey(queueKey), limit, 0).Err()
}

// SetEnvConcurrencyLimit overrides the ceiling for one env.
func (q *Queue) SetEnvConcurrencyLimit(ctx context.Context, env string, limit int64) error {
	return q.rdb.Set(ctx, q.keys.EnvConcurrencyLimitKey(env), limit, 0).Err()
}

// SetOrgConcurrencyLimit overrides the ceiling for one org.
func (q *Queue) SetOrgConcurrencyLimit(ctx context.Context, org string, limit int64) error {
	return q.rdb.Set(ctx, q.keys.OrgConcurrencyLimitKey(org), limit, 0).Err()
}

func (q *Queue) readLimit(ctx context.Context, key string, def int64) (int64, error) {
	v, err := q.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read limit %q: %w", key, err)
	}
	return v, nil
}

func (q *Queue) readMessage(ctx context.Context, messageID string) (Message, error) {
	blob, err := q.rdb.Get(ctx, q.keys.MessageKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrMessageNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("read message %s: %w", messageID, err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(blob), &msg); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	return msg, nil
}
