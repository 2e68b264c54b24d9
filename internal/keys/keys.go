// Package keys produces and parses the namespaced Redis keys used by the
// run queue. The mapping is deterministic and reversible: every key built
// by a KeyProducer can be parsed back into the descriptor that produced it.
package keys

import (
	"fmt"
	"strconv"
	"strings"
)

// shortenTo bounds the org/env segments of a key. Identifiers are UUIDs
// in practice; the last 12 hex characters keep keys short while staying
// unique at any plausible deployment cardinality.
const shortenTo = 12

const (
	orgSegment      = "org"
	envSegment      = "env"
	queueSegment    = "queue"
	ckSegment       = "ck"
	prioritySegment = "priority"

	sharedQueueName = "sharedQueue"

	currentConcurrencySuffix = "currentConcurrency"
	messagePrefix            = "message"
	nacksSuffix              = "nacks"
	deadLetterName           = "deadLetter"
)

// InvalidQueueKeyError reports a key that does not follow the queue key
// grammar.
type InvalidQueueKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidQueueKeyError) Error() string {
	return fmt.Sprintf("invalid queue key %q: %s", e.Key, e.Reason)
}

// QueueDescriptor is the parsed form of a queue key. Org and Env hold the
// shortened identifiers that appear in the key itself.
type QueueDescriptor struct {
	Org            string
	Env            string
	Name           string
	ConcurrencyKey string
	Priority       int
}

// EnvType distinguishes environments for shared-queue placement.
type EnvType string

const (
	EnvTypeDevelopment EnvType = "development"
	EnvTypeProduction  EnvType = "production"
)

// KeyProducer builds every key in the queue namespace under a fixed prefix.
type KeyProducer struct {
	prefix string
}

// NewKeyProducer creates a producer with the given namespace prefix,
// e.g. "marqs".
func NewKeyProducer(prefix string) *KeyProducer {
	return &KeyProducer{prefix: prefix}
}

// Shorten bounds an identifier to the trailing shortenTo characters.
// Identifiers at or under the bound pass through unchanged.
func Shorten(id string) string {
	if len(id) <= shortenTo {
		return id
	}
	return id[len(id)-shortenTo:]
}

// QueueKey builds the key for a tenant queue:
//
//	org:{org}:env:{env}:queue:{name}[:ck:{ck}][:priority:{n}]
//
// Priority 0 is the default and is omitted so default-priority keys stay
// canonical. Returns an error if any segment would break the grammar.
func (p *KeyProducer) QueueKey(org, env, name, concurrencyKey string, priority int) (string, error) {
	if org == "" || env == "" || name == "" {
		return "", &InvalidQueueKeyError{Key: name, Reason: "org, env and queue name are required"}
	}
	for _, part := range []string{org, env, name, concurrencyKey} {
		if strings.Contains(part, ":") {
			return "", &InvalidQueueKeyError{Key: part, Reason: "segment must not contain ':'"}
		}
	}
	if priority < 0 {
		return "", &InvalidQueueKeyError{Key: name, Reason: "priority must be non-negative"}
	}

	var b strings.Builder
	b.WriteString(orgSegment)
	b.WriteByte(':')
	b.WriteString(Shorten(org))
	b.WriteByte(':')
	b.WriteString(envSegment)
	b.WriteByte(':')
	b.WriteString(Shorten(env))
	b.WriteByte(':')
	b.WriteString(queueSegment)
	b.WriteByte(':')
	b.WriteString(name)
	if concurrencyKey != "" {
		b.WriteByte(':')
		b.WriteString(ckSegment)
		b.WriteByte(':')
		b.WriteString(concurrencyKey)
	}
	if priority != 0 {
		b.WriteByte(':')
		b.WriteString(prioritySegment)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(priority))
	}
	return b.String(), nil
}

// QueueDescriptorFromQueue inverts QueueKey exactly, including the
// absence of the optional segments.
func (p *KeyProducer) QueueDescriptorFromQueue(key string) (QueueDescriptor, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 6 {
		return QueueDescriptor{}, &InvalidQueueKeyError{Key: key, Reason: "too few segments"}
	}
	if parts[0] != orgSegment || parts[2] != envSegment || parts[4] != queueSegment {
		return QueueDescriptor{}, &InvalidQueueKeyError{Key: key, Reason: "expected org:*:env:*:queue:* layout"}
	}

	desc := QueueDescriptor{
		Org:  parts[1],
		Env:  parts[3],
		Name: parts[5],
	}
	if desc.Org == "" || desc.Env == "" || desc.Name == "" {
		return QueueDescriptor{}, &InvalidQueueKeyError{Key: key, Reason: "empty org, env or queue segment"}
	}

	rest := parts[6:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return QueueDescriptor{}, &InvalidQueueKeyError{Key: key, Reason: "dangling segment " + rest[0]}
		}
		switch rest[0] {
		case ckSegment:
			if desc.ConcurrencyKey != "" {
				return QueueDescriptor{}, &InvalidQueueKeyError{Key: key, Reason: "duplicate ck segment"}
			}
			if rest[1] == "" {
				return QueueDescriptor{}, &InvalidQueueKeyError{Key: key, Reason: "empty ck segment"}
			}
			desc.ConcurrencyKey = rest[1]
		case prioritySegment:
			if desc.Priority != 0 {
				return QueueDescriptor{}, &InvalidQueueKeyError{Key: key, Reason: "duplicate priority segment"}
			}
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return QueueDescriptor{}, &InvalidQueueKeyError{Key: key, Reason: "priority must be a positive integer"}
			}
			desc.Priority = n
		default:
			return QueueDescriptor{}, &InvalidQueueKeyError{Key: key, Reason: "unknown segment " + rest[0]}
		}
		rest = rest[2:]
	}
	return desc, nil
}

// EnvSharedQueueKey returns the master queue an environment's runs land
// on. Development environments get an org/env-scoped shared queue so a
// developer's tasks never compete with the pooled fleet; every other
// environment type shares one global queue.
func (p *KeyProducer) EnvSharedQueueKey(org, env string, envType EnvType) string {
	if envType == EnvTypeDevelopment {
		return strings.Join([]string{
			orgSegment, Shorten(org), envSegment, Shorten(env), sharedQueueName,
		}, ":")
	}
	return sharedQueueName
}

// MasterQueueKey prefixes a shared-queue name into the producer namespace.
func (p *KeyProducer) MasterQueueKey(sharedQueue string) string {
	return p.prefixed(sharedQueue)
}

// QueueConcurrencyKey tracks the in-flight run ids for one queue.
func (p *KeyProducer) QueueConcurrencyKey(queueKey string) string {
	return p.prefixed(queueKey + ":" + currentConcurrencySuffix)
}

// EnvConcurrencyKey tracks the in-flight run ids for one environment.
func (p *KeyProducer) EnvConcurrencyKey(env string) string {
	return p.prefixed(envSegment + ":" + Shorten(env) + ":" + currentConcurrencySuffix)
}

// OrgConcurrencyKey tracks the in-flight run ids for one organization.
func (p *KeyProducer) OrgConcurrencyKey(org string) string {
	return p.prefixed(orgSegment + ":" + Shorten(org) + ":" + currentConcurrencySuffix)
}

// EnvConcurrencyLimitKey stores the configured environment ceiling.
func (p *KeyProducer) EnvConcurrencyLimitKey(env string) string {
	return p.prefixed(envSegment + ":" + Shorten(env) + ":concurrencyLimit")
}

// OrgConcurrencyLimitKey stores the configured organization ceiling.
func (p *KeyProducer) OrgConcurrencyLimitKey(org string) string {
	return p.prefixed(orgSegment + ":" + Shorten(org) + ":concurrencyLimit")
}

// QueueConcurrencyLimitKey stores the configured queue ceiling.
func (p *KeyProducer) QueueConcurrencyLimitKey(queueKey string) string {
	return p.prefixed(queueKey + ":concurrencyLimit")
}

// MessageKey stores the serialized message payload for one message id.
func (p *KeyProducer) MessageKey(messageID string) string {
	return p.prefixed(messagePrefix + ":" + messageID)
}

// NacksKey counts delivery failures for one message id.
func (p *KeyProducer) NacksKey(messageID string) string {
	return p.prefixed(messagePrefix + ":" + messageID + ":" + nacksSuffix)
}

// DeadLetterKey is the list of messages whose nack budget is exhausted.
func (p *KeyProducer) DeadLetterKey() string {
	return p.prefixed(deadLetterName)
}

// QueueKeyForRedis places a bare queue key into the producer namespace.
func (p *KeyProducer) QueueKeyForRedis(queueKey string) string {
	return p.prefixed(queueKey)
}

func (p *KeyProducer) prefixed(k string) string {
	if p.prefix == "" {
		return k
	}
	return p.prefix + ":" + k
}
