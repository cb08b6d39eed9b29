package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/openforge/nettingd/internal/intent"
	"github.com/openforge/nettingd/internal/session"
	"github.com/openforge/nettingd/internal/storage/database"
)

const (
	pendingPrefix   = "q/"
	holdPrefix      = "hold/"
	noncePrefix     = "nonce/"
	processedPrefix = "proc/"
	lockPrefix      = "lock/"
	idIndexPrefix   = "idq/"
	seqCounterKey   = "meta/seq"

	// Retention floors. TTL sweeps never evict inside these windows.
	NonceRetention     = 24 * time.Hour
	ProcessedRetention = 7 * 24 * time.Hour
)

var (
	ErrBatchNotHeld = errors.New("no held intents for batch")
	ErrNoneClaimed  = errors.New("no intents could be claimed")
)

// Outcome tells Finalise how a batch ended.
type Outcome int

const (
	OutcomeSettled Outcome = iota
	OutcomeAborted
)

// QueuedIntent is a pending intent together with its queue sequence. The
// sequence fixes FIFO order across restarts.
type QueuedIntent struct {
	Seq        uint64             `json:"seq"`
	EnqueuedAt int64              `json:"enqueued_at"`
	Intent     *intent.TradeIntent `json:"intent"`
}

// Queue is the durable FIFO of accepted intents. All state lives in the
// key-value store: the pending queue, the (session, nonce) replay set, the
// processed-id set and the locked-item set all survive restart.
type Queue struct {
	db   database.DB
	gate *session.Gate
	now  func() time.Time

	// mu serialises Submit/Lock/Finalise so a claim is atomic. Reads
	// (Peek, PendingCount) take snapshots without it.
	mu sync.Mutex

	// requeueSkipped controls the fate of intents from aborted batches:
	// returned to the pending queue when true, terminally skipped when
	// false.
	requeueSkipped bool
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRequeueSkipped sets the aborted-batch policy.
func WithRequeueSkipped(requeue bool) Option {
	return func(q *Queue) { q.requeueSkipped = requeue }
}

func New(db database.DB, gate *session.Gate, opts ...Option) *Queue {
	q := &Queue{
		db:             db,
		gate:           gate,
		now:            time.Now,
		requeueSkipped: true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func seqKey(prefix string, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func holdKey(batchID string, seq uint64) []byte {
	return seqKey(holdPrefix+batchID+"/", seq)
}

func nonceKey(sessionKey string, nonce int64) []byte {
	return []byte(noncePrefix + sessionKey + "/" + strconv.FormatInt(nonce, 10))
}

func processedKey(id string) []byte {
	return []byte(processedPrefix + id)
}

func lockKey(item string) []byte {
	return []byte(lockPrefix + item)
}

func idIndexKey(id string) []byte {
	return []byte(idIndexPrefix + id)
}

func (q *Queue) nextSeq(ctx context.Context) (uint64, error) {
	raw, err := q.db.Read(ctx, []byte(seqCounterKey))
	if errors.Is(err, database.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw) + 1, nil
}

func (q *Queue) exists(ctx context.Context, key []byte) (bool, error) {
	_, err := q.db.Read(ctx, key)
	if errors.Is(err, database.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Submit validates and enqueues one intent. Replay checks come before the
// signature gate so repeated submissions are cheap idempotent rejections.
func (q *Queue) Submit(ctx context.Context, t *intent.TradeIntent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dup, err := q.exists(ctx, processedKey(t.ID)); err != nil {
		return err
	} else if dup {
		return intent.Reject(intent.ReasonDuplicateID, "intent id already processed")
	}
	if dup, err := q.exists(ctx, idIndexKey(t.ID)); err != nil {
		return err
	} else if dup {
		return intent.Reject(intent.ReasonDuplicateID, "intent id already queued")
	}

	if used, err := q.exists(ctx, nonceKey(t.Session, t.Nonce)); err != nil {
		return err
	} else if used {
		return intent.Reject(intent.ReasonNonceReused, "session nonce already used")
	}

	if _, err := q.gate.Validate(ctx, t); err != nil {
		return err
	}

	seq, err := q.nextSeq(ctx)
	if err != nil {
		return err
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.now()
	}

	record := &QueuedIntent{
		Seq:        seq,
		EnqueuedAt: q.now().Unix(),
		Intent:     t,
	}
	raw, err := intent.EncodeCanonical(record)
	if err != nil {
		return err
	}

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	nonceExpiry := []byte(strconv.FormatInt(q.now().Add(NonceRetention).Unix(), 10))

	return q.db.Batch(ctx, []database.BatchOperation{
		{Type: database.BatchPut, Key: seqKey(pendingPrefix, seq), Value: raw},
		{Type: database.BatchPut, Key: idIndexKey(t.ID), Value: seqBytes},
		{Type: database.BatchPut, Key: nonceKey(t.Session, t.Nonce), Value: nonceExpiry},
		{Type: database.BatchPut, Key: []byte(seqCounterKey), Value: seqBytes},
	})
}

// Peek returns up to maxCount pending intents in FIFO order, excluding any
// whose item is bound to an unsettled batch. When maxAge is positive, only
// intents no older than maxAge are returned.
func (q *Queue) Peek(ctx context.Context, maxCount int, maxAge time.Duration) ([]*QueuedIntent, error) {
	start := []byte(pendingPrefix)
	it, err := q.db.Iterator(ctx, start, database.PrefixEnd(start))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	now := q.now()
	var out []*QueuedIntent

	for it.Next() {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}

		var rec QueuedIntent
		if err := intent.DecodeCanonical(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt queue record at %x: %w", it.Key(), err)
		}

		if maxAge > 0 && now.Sub(rec.Intent.CreatedAt) > maxAge {
			continue
		}

		locked, err := q.exists(ctx, lockKey(rec.Intent.Item))
		if err != nil {
			return nil, err
		}
		if locked {
			continue
		}

		out = append(out, &rec)
	}
	return out, it.Error()
}

// OldestAge returns the age of the oldest pending intent, or zero when the
// queue is empty.
func (q *Queue) OldestAge(ctx context.Context) (time.Duration, error) {
	start := []byte(pendingPrefix)
	it, err := q.db.Iterator(ctx, start, database.PrefixEnd(start))
	if err != nil {
		return 0, err
	}
	defer it.Close()

	if !it.Next() {
		return 0, it.Error()
	}

	var rec QueuedIntent
	if err := intent.DecodeCanonical(it.Value(), &rec); err != nil {
		return 0, err
	}
	age := q.now().Sub(time.Unix(rec.EnqueuedAt, 0))
	if age < 0 {
		age = 0
	}
	return age, nil
}

// PendingCount counts pending intents.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	start := []byte(pendingPrefix)
	it, err := q.db.Iterator(ctx, start, database.PrefixEnd(start))
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// Lock claims the given intents for batchID: each row moves from the pending
// queue into the batch's holding area and its item joins the locked-item
// set. Rows already claimed by a concurrent batcher are skipped; the claimed
// subset is returned. ErrNoneClaimed means another batcher won every row.
func (q *Queue) Lock(ctx context.Context, batchID string, intents []*QueuedIntent) ([]*QueuedIntent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ops []database.BatchOperation
	var claimed []*QueuedIntent

	for _, rec := range intents {
		pending, err := q.exists(ctx, seqKey(pendingPrefix, rec.Seq))
		if err != nil {
			return nil, err
		}
		if !pending {
			continue // claimed by another batcher
		}

		raw, err := intent.EncodeCanonical(rec)
		if err != nil {
			return nil, err
		}

		ops = append(ops,
			database.BatchOperation{Type: database.BatchDelete, Key: seqKey(pendingPrefix, rec.Seq)},
			database.BatchOperation{Type: database.BatchPut, Key: holdKey(batchID, rec.Seq), Value: raw},
			database.BatchOperation{Type: database.BatchPut, Key: lockKey(rec.Intent.Item), Value: []byte(batchID)},
		)
		claimed = append(claimed, rec)
	}

	if len(claimed) == 0 {
		return nil, ErrNoneClaimed
	}
	if err := q.db.Batch(ctx, ops); err != nil {
		return nil, err
	}
	return claimed, nil
}

// Held returns the intents held by a batch, in FIFO order.
func (q *Queue) Held(ctx context.Context, batchID string) ([]*QueuedIntent, error) {
	start := []byte(holdPrefix + batchID + "/")
	it, err := q.db.Iterator(ctx, start, database.PrefixEnd(start))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*QueuedIntent
	for it.Next() {
		var rec QueuedIntent
		if err := intent.DecodeCanonical(it.Value(), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, it.Error()
}

// Finalise resolves a batch's hold. Settled batches move their intent ids
// into the processed set and release item locks. Aborted batches either
// return intents to the pending queue or mark them terminally processed,
// per the requeue policy.
func (q *Queue) Finalise(ctx context.Context, batchID string, outcome Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, err := q.Held(ctx, batchID)
	if err != nil {
		return err
	}
	if len(held) == 0 {
		return ErrBatchNotHeld
	}

	procExpiry := []byte(strconv.FormatInt(q.now().Add(ProcessedRetention).Unix(), 10))

	var ops []database.BatchOperation
	for _, rec := range held {
		ops = append(ops,
			database.BatchOperation{Type: database.BatchDelete, Key: holdKey(batchID, rec.Seq)},
			database.BatchOperation{Type: database.BatchDelete, Key: lockKey(rec.Intent.Item)},
		)

		switch {
		case outcome == OutcomeSettled || !q.requeueSkipped:
			ops = append(ops,
				database.BatchOperation{Type: database.BatchPut, Key: processedKey(rec.Intent.ID), Value: procExpiry},
				database.BatchOperation{Type: database.BatchDelete, Key: idIndexKey(rec.Intent.ID)},
			)
		default:
			raw, err := intent.EncodeCanonical(rec)
			if err != nil {
				return err
			}
			ops = append(ops, database.BatchOperation{Type: database.BatchPut, Key: seqKey(pendingPrefix, rec.Seq), Value: raw})
		}
	}

	return q.db.Batch(ctx, ops)
}

// SweepTTL evicts nonce and processed-id records whose retention window has
// elapsed. Returns the number of keys removed.
func (q *Queue) SweepTTL(ctx context.Context) (int, error) {
	now := q.now().Unix()
	removed := 0

	for _, prefix := range []string{noncePrefix, processedPrefix} {
		start := []byte(prefix)
		it, err := q.db.Iterator(ctx, start, database.PrefixEnd(start))
		if err != nil {
			return removed, err
		}

		var ops []database.BatchOperation
		for it.Next() {
			expiry, err := strconv.ParseInt(string(it.Value()), 10, 64)
			if err != nil {
				continue
			}
			if expiry <= now {
				key := make([]byte, len(it.Key()))
				copy(key, it.Key())
				ops = append(ops, database.BatchOperation{Type: database.BatchDelete, Key: key})
			}
		}
		itErr := it.Error()
		it.Close()
		if itErr != nil {
			return removed, itErr
		}

		if len(ops) > 0 {
			if err := q.db.Batch(ctx, ops); err != nil {
				return removed, err
			}
			removed += len(ops)
		}
	}
	return removed, nil
}
