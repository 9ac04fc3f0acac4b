package store

import (
	"context"
	"log/slog"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type opKind int

const (
	opGet opKind = iota
	opSet
	opDelete
)

type queuedOp struct {
	kind  opKind
	key   string
	value string
	ttl   time.Duration
	// bad marks an operation that failed before execution (encode error);
	// it keeps its slot in the result so alignment with the queue order holds.
	bad bool
}

// Result is one position of a batch execution. OK is false for absent
// values and for any per-command failure; the rest of the batch is
// unaffected either way.
type Result struct {
	Value any
	OK    bool
}

// Batch accumulates set/get/delete operations for a single pipelined
// round trip. It is not safe for concurrent use.
type Batch struct {
	client *Client
	ops    []queuedOp
}

// Batch starts an empty pipeline builder bound to this client.
func (c *Client) Batch() *Batch {
	return &Batch{client: c}
}

// Get queues a read. The executed result carries the JSON-transparent
// decoded value, same as Client.Get.
func (b *Batch) Get(key string) *Batch {
	b.ops = append(b.ops, queuedOp{kind: opGet, key: key})
	return b
}

// Set queues a write with optional expiry (ttl <= 0 means none).
func (b *Batch) Set(key string, value any, ttl time.Duration) *Batch {
	raw, err := encodeValue(value)
	if err != nil {
		b.client.logger.Warn("store batch encode failed", slog.String("key", key), slog.Any("error", err))
		b.ops = append(b.ops, queuedOp{kind: opSet, key: key, bad: true})
		return b
	}
	b.ops = append(b.ops, queuedOp{kind: opSet, key: key, value: raw, ttl: ttl})
	return b
}

// Delete queues a key removal.
func (b *Batch) Delete(key string) *Batch {
	b.ops = append(b.ops, queuedOp{kind: opDelete, key: key})
	return b
}

// Len reports how many operations are queued.
func (b *Batch) Len() int { return len(b.ops) }

// Exec runs every queued operation as one round trip and returns results
// aligned to queue order. A failed command yields an absent position
// without failing the rest; an unavailable store yields all-absent.
func (b *Batch) Exec(ctx context.Context) []Result {
	results := make([]Result, len(b.ops))
	if len(b.ops) == 0 {
		return results
	}
	conn, ok := b.client.acquire()
	if !ok {
		return results
	}

	cmds := make([]valkey.Completed, 0, len(b.ops))
	slots := make([]int, 0, len(b.ops))
	for i, op := range b.ops {
		if op.bad {
			continue
		}
		switch op.kind {
		case opGet:
			cmds = append(cmds, conn.B().Get().Key(op.key).Build())
		case opSet:
			if op.ttl > 0 {
				cmds = append(cmds, conn.B().Set().Key(op.key).Value(op.value).Px(op.ttl).Build())
			} else {
				cmds = append(cmds, conn.B().Set().Key(op.key).Value(op.value).Build())
			}
		case opDelete:
			cmds = append(cmds, conn.B().Del().Key(op.key).Build())
		}
		slots = append(slots, i)
	}

	for n, resp := range conn.DoMulti(ctx, cmds...) {
		i := slots[n]
		op := b.ops[i]
		switch op.kind {
		case opGet:
			raw, err := resp.ToString()
			if err != nil {
				continue
			}
			results[i] = Result{Value: decodeValue(raw), OK: true}
		case opSet:
			if err := resp.Error(); err != nil {
				b.client.logger.Warn("store batch set failed", slog.String("key", op.key), slog.Any("error", err))
				continue
			}
			results[i] = Result{OK: true}
		case opDelete:
			count, err := resp.ToInt64()
			if err != nil {
				b.client.logger.Warn("store batch delete failed", slog.String("key", op.key), slog.Any("error", err))
				continue
			}
			results[i] = Result{Value: count, OK: true}
		}
	}
	return results
}
