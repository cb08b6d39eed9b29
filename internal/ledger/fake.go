package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openforge/nettingd/internal/crypto"
)

// Fake is an in-process settlement ledger used by tests and standalone
// runs. It enforces the same monotonic batch_id rule as the real ledger and
// feeds committed settlements to subscribers.
type Fake struct {
	mu sync.Mutex

	authorityPub string
	provider     *crypto.ED25519Provider

	lastCommitted uint64
	slot          uint64
	txs           map[string]*TxStatus
	events        []*Event
	subscribers   map[int]chan *Event
	nextSub       int

	// failNext, when set, fails the next SubmitSettlement with this error.
	failNext error
}

// NewFake creates a fake ledger. When authorityPub is non-empty, submissions
// must carry a valid signature from that key.
func NewFake(authorityPub string) *Fake {
	return &Fake{
		authorityPub: authorityPub,
		provider:     crypto.NewED25519Provider(),
		slot:         1,
		txs:          make(map[string]*TxStatus),
		subscribers:  make(map[int]chan *Event),
	}
}

func (f *Fake) LastCommittedBatchID(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCommitted, nil
}

func (f *Fake) SubmitSettlement(ctx context.Context, record *SettlementRecord, authoritySig string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}

	if record.BatchID != f.lastCommitted+1 {
		return "", fmt.Errorf("%w: got batch_id %d, want %d", ErrLedgerReject, record.BatchID, f.lastCommitted+1)
	}

	if f.authorityPub != "" {
		payload, err := RecordBytes(record)
		if err != nil {
			return "", err
		}
		if !f.provider.Verify(payload, f.authorityPub, authoritySig) {
			return "", ErrBadAuthority
		}
	}

	f.lastCommitted = record.BatchID
	f.slot++
	txRef := fmt.Sprintf("fake-tx-%d-%d", record.BatchID, f.slot)
	f.txs[txRef] = &TxStatus{State: TxCommitted, Slot: f.slot}

	event := &Event{
		BatchID:    record.BatchID,
		Root:       record.Root,
		DAHash:     record.DAHash,
		NumIntents: record.NumIntents,
		NumItems:   record.NumItems,
		Slot:       f.slot,
		Timestamp:  time.Now().UTC(),
	}
	f.events = append(f.events, event)
	for _, ch := range f.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscriber; it will catch up via resync.
		}
	}

	return txRef, nil
}

func (f *Fake) TxStatus(ctx context.Context, txRef string) (*TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status, ok := f.txs[txRef]
	if !ok {
		return &TxStatus{State: TxNotFound}, nil
	}
	out := *status
	return &out, nil
}

func (f *Fake) CurrentSlot(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot, nil
}

func (f *Fake) Subscribe(ctx context.Context, fromSlot uint64) (<-chan *Event, func(), error) {
	f.mu.Lock()

	ch := make(chan *Event, 256)
	id := f.nextSub
	f.nextSub++
	f.subscribers[id] = ch

	// Backfill history past fromSlot before live events. The send must not
	// block: the lock is held and the subscriber is not draining yet, so a
	// backlog past the buffer would deadlock every submitter.
	for _, event := range f.events {
		if event.Slot > fromSlot {
			select {
			case ch <- event:
			default:
				// Overflowing history is left to resync.
			}
		}
	}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subscribers[id]; ok {
			delete(f.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// AdvanceSlot moves the slot height forward without committing anything,
// simulating ordinary ledger progress.
func (f *Fake) AdvanceSlot() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slot++
	return f.slot
}

// FailNextSubmit makes the next submission fail with err.
func (f *Fake) FailNextSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}
