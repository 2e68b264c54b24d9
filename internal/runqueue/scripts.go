package runqueue

import "github.com/redis/go-redis/v9"

// The queue scripts construct message keys from ids discovered inside
// the script, so the queue namespace must live on a single Redis node.

// enqueueScript writes the message blob, inserts the id into the queue
// zset and keeps the master queue's score at the earliest visible message.
//
// KEYS: queue zset, master queue zset, message key
// ARGV: message id, score, blob, queue key (master queue member)
var enqueueScript = redis.NewScript(`
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
redis.call('ZADD', KEYS[2], head[2], ARGV[4])
return 1
`)

// claimScript attempts to claim the head visible message of one queue,
// enforcing queue, environment and organization ceilings in that order.
// A refusal leaves the queue untouched so the caller can move on to the
// next tenant (skip-and-continue).
//
// KEYS: queue zset, queue concurrency set, env concurrency set,
//       org concurrency set, master queue zset, queue limit key,
//       env limit key, org limit key
// ARGV: now (ms), default queue limit, default env limit,
//       default org limit, queue key (master queue member),
//       message key prefix, remaining cpu budget (-1 = unlimited),
//       remaining memory budget (-1 = unlimited)
//
// Returns {'msg', id, blob} on success, {'skip', reason} when the queue
// has nothing admissible, {'empty'} when the queue has no visible
// messages at all.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])

local head = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
if #head == 0 then
	if redis.call('ZCARD', KEYS[1]) == 0 then
		redis.call('ZREM', KEYS[5], ARGV[5])
	end
	return {'empty'}
end
local msgId = head[1]

local queueLimit = tonumber(redis.call('GET', KEYS[6]) or ARGV[2])
local envLimit = tonumber(redis.call('GET', KEYS[7]) or ARGV[3])
local orgLimit = tonumber(redis.call('GET', KEYS[8]) or ARGV[4])

if redis.call('SCARD', KEYS[2]) >= queueLimit then
	return {'skip', 'queue_limit'}
end
if redis.call('SCARD', KEYS[3]) >= envLimit then
	return {'skip', 'env_limit'}
end
if redis.call('SCARD', KEYS[4]) >= orgLimit then
	return {'skip', 'org_limit'}
end

local blob = redis.call('GET', ARGV[6] .. msgId)
if not blob then
	-- Orphaned id with no payload: drop it and report the queue as
	-- inadmissible for this pass.
	redis.call('ZREM', KEYS[1], msgId)
	return {'skip', 'missing_payload'}
end

local cpuBudget = tonumber(ARGV[7])
local memBudget = tonumber(ARGV[8])
if cpuBudget >= 0 or memBudget >= 0 then
	local msg = cjson.decode(blob)
	local cpu = tonumber(msg['cpu_millis']) or 0
	local mem = tonumber(msg['memory_mb']) or 0
	if cpuBudget >= 0 and cpu > cpuBudget then
		return {'skip', 'resources'}
	end
	if memBudget >= 0 and mem > memBudget then
		return {'skip', 'resources'}
	end
end

redis.call('ZREM', KEYS[1], msgId)
redis.call('SADD', KEYS[2], msgId)
redis.call('SADD', KEYS[3], msgId)
redis.call('SADD', KEYS[4], msgId)

local next = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #next == 0 then
	redis.call('ZREM', KEYS[5], ARGV[5])
else
	redis.call('ZADD', KEYS[5], next[2], ARGV[5])
end

return {'msg', msgId, blob}
`)

// releaseScript gives a claimed message back to its queue without
// counting a nack. Used when a claim turns out not to be for this
// consumer rather than when delivery failed.
//
// KEYS: queue zset, queue concurrency set, env concurrency set,
//       org concurrency set, master queue zset
// ARGV: message id, requeue score, queue key
var releaseScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])

redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
redis.call('ZADD', KEYS[5], head[2], ARGV[3])
return 1
`)

// nackScript releases the concurrency slots and either requeues the
// message with the supplied score or, once the nack budget is exhausted,
// moves it to the dead-letter zset.
//
// KEYS: queue zset, queue concurrency set, env concurrency set,
//       org concurrency set, master queue zset, nacks key,
//       dead letter zset
// ARGV: message id, requeue score, max nacks, queue key, now (ms)
//
// Returns {'requeued', nacks} or {'dead_lettered', nacks}.
var nackScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])

local nacks = redis.call('INCR', KEYS[6])
if nacks > tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[7], ARGV[5], ARGV[1])
	return {'dead_lettered', nacks}
end

redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
redis.call('ZADD', KEYS[5], head[2], ARGV[4])
return {'requeued', nacks}
`)

// ackScript removes every trace of a message: concurrency slots, nack
// counter, payload, and its queue entry if it was still queued.
//
// KEYS: queue zset, queue concurrency set, env concurrency set,
//       org concurrency set, master queue zset, nacks key, message key
// ARGV: message id, queue key
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[6])
redis.call('DEL', KEYS[7])
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('ZREM', KEYS[5], ARGV[2])
else
	local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	redis.call('ZADD', KEYS[5], head[2], ARGV[2])
end
return 1
`)

// redriveScript moves a dead-lettered message back onto its queue and
// resets its nack budget.
//
// KEYS: dead letter zset, queue zset, master queue zset, nacks key
// ARGV: message id, score, queue key
var redriveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[4])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
local head = redis.call('ZRANGE', KEYS[2], 0, 0, 'WITHSCORES')
redis.call('ZADD', KEYS[3], head[2], ARGV[3])
return 1
`)
