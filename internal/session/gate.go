package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/openforge/nettingd/internal/crypto"
	"github.com/openforge/nettingd/internal/intent"
	"github.com/openforge/nettingd/internal/netting"
	"github.com/openforge/nettingd/internal/storage/database"
)

const (
	policyPrefix = "policy/"
	spentPrefix  = "spent/"

	spentLockStripes = 64
)

var (
	ErrInvalidCap         = errors.New("policy cap must be a non-negative integer")
	ErrInvalidExpiry      = errors.New("policy expiry must be in the future")
	ErrNoAllowedActions   = errors.New("policy must allow at least one action")
	ErrBadRegistrationSig = errors.New("owner signature on registration is invalid")
)

// Gate is the signature and policy gate in front of the intent queue. Every
// accepted intent passes Validate exactly once; the cumulative spent counter
// is incremented atomically as the final step.
type Gate struct {
	db       database.DB
	provider *crypto.ED25519Provider

	// verifyDisabled skips Ed25519 verification. Startup refuses this flag
	// in production; it exists for local development only.
	verifyDisabled bool

	now func() time.Time

	spentLocks [spentLockStripes]sync.Mutex
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithSignatureVerificationDisabled turns off Ed25519 verification. The CLI
// refuses to pass this in production builds (production_strict).
func WithSignatureVerificationDisabled() Option {
	return func(g *Gate) { g.verifyDisabled = true }
}

func NewGate(db database.DB, opts ...Option) *Gate {
	g := &Gate{
		db:       db,
		provider: crypto.NewED25519Provider(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// VerificationDisabled reports whether the Ed25519 gate is bypassed.
func (g *Gate) VerificationDisabled() bool {
	return g.verifyDisabled
}

func policyKey(owner, session string) []byte {
	return []byte(policyPrefix + owner + "/" + session)
}

func spentKey(owner, session string) []byte {
	return []byte(spentPrefix + owner + "/" + session)
}

// Register stores a new session-key policy after checking the owner's
// signature over the canonical registration payload.
func (g *Gate) Register(ctx context.Context, p *Policy, ownerSig string) error {
	cap128, err := p.CapAmount()
	if err != nil || cap128.Sign() < 0 {
		return ErrInvalidCap
	}
	if !p.Live(g.now()) {
		return ErrInvalidExpiry
	}
	if len(p.Allowed) == 0 {
		return ErrNoAllowedActions
	}

	if !g.verifyDisabled {
		payload, err := RegistrationBytes(p)
		if err != nil {
			return err
		}
		if !g.provider.Verify(payload, p.Owner, ownerSig) {
			return ErrBadRegistrationSig
		}
	}

	if p.CreatedAt == 0 {
		p.CreatedAt = g.now().Unix()
	}

	raw, err := intent.EncodeCanonical(p)
	if err != nil {
		return err
	}
	return g.db.Write(ctx, policyKey(p.Owner, p.Session), raw)
}

// Lookup returns the stored policy for (owner, session), or nil when absent.
func (g *Gate) Lookup(ctx context.Context, owner, session string) (*Policy, error) {
	raw, err := g.db.Read(ctx, policyKey(owner, session))
	if errors.Is(err, database.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p Policy
	if err := intent.DecodeCanonical(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Spent returns the cumulative accepted volume for (owner, session).
func (g *Gate) Spent(ctx context.Context, owner, session string) (netting.Int128, error) {
	raw, err := g.db.Read(ctx, spentKey(owner, session))
	if errors.Is(err, database.ErrKeyNotFound) {
		return netting.Int128{}, nil
	}
	if err != nil {
		return netting.Int128{}, err
	}
	return netting.FromDecimalString(string(raw))
}

// Validate runs the full acceptance pipeline for one intent:
// signature decode and verify, policy lookup, expiry, allowed action,
// cumulative cap, then the atomic spent increment. Any failure leaves the
// spent counter untouched.
func (g *Gate) Validate(ctx context.Context, t *intent.TradeIntent) (*Policy, error) {
	if err := t.CheckShape(); err != nil {
		return nil, intent.Reject(intent.ReasonMalformed, err.Error())
	}

	amount, err := netting.FromDecimalString(t.Amount)
	if err != nil || amount.Sign() < 0 {
		return nil, intent.Reject(intent.ReasonMalformed, "amount must be a non-negative 128-bit integer")
	}

	if !g.verifyDisabled {
		payload, err := intent.CanonicalSignedBytes(t)
		if err != nil {
			return nil, intent.Reject(intent.ReasonMalformed, err.Error())
		}
		if _, err := g.provider.DecodeSignature(t.Signature); err != nil {
			return nil, intent.Reject(intent.ReasonBadSignature, "signature is not base64 or hex")
		}
		if !g.provider.Verify(payload, t.Session, t.Signature) {
			return nil, intent.Reject(intent.ReasonBadSignature, "ed25519 verification failed")
		}
	}

	policy, err := g.Lookup(ctx, t.Owner, t.Session)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, intent.Reject(intent.ReasonNoPolicy, "no session policy for owner")
	}

	if !policy.Live(g.now()) {
		return nil, intent.Reject(intent.ReasonExpired, "session policy expired")
	}

	if !policy.Allows(t.EffectiveAction()) {
		return nil, intent.Reject(intent.ReasonActionNotAllowed, fmt.Sprintf("action %s not in policy", t.EffectiveAction()))
	}

	if err := g.addSpent(ctx, policy, amount); err != nil {
		return nil, err
	}
	return policy, nil
}

// addSpent performs the conditional increment spent += amount, rejecting when
// spent + amount > cap. The per-key stripe lock makes the read-check-write
// atomic against concurrent acceptance for the same session.
func (g *Gate) addSpent(ctx context.Context, policy *Policy, amount netting.Int128) error {
	lock := &g.spentLocks[stripeFor(policy.Owner, policy.Session)]
	lock.Lock()
	defer lock.Unlock()

	spent, err := g.Spent(ctx, policy.Owner, policy.Session)
	if err != nil {
		return err
	}

	next, err := spent.AddChecked(amount)
	if err != nil {
		return intent.Reject(intent.ReasonOverCap, "cumulative spend overflows")
	}

	cap128, err := policy.CapAmount()
	if err != nil {
		return err
	}
	if next.Cmp(cap128) > 0 {
		return intent.Reject(intent.ReasonOverCap, fmt.Sprintf("spent %s + amount %s exceeds cap %s", spent, amount, policy.Cap))
	}

	return g.db.Write(ctx, spentKey(policy.Owner, policy.Session), []byte(next.String()))
}

func stripeFor(owner, session string) int {
	h := fnv.New32a()
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write([]byte(session))
	return int(h.Sum32() % spentLockStripes)
}

// SweepExpired evicts expired policies together with their spent counters.
// Returns the number of policies removed.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	start := []byte(policyPrefix)
	it, err := g.db.Iterator(ctx, start, database.PrefixEnd(start))
	if err != nil {
		return 0, err
	}
	defer it.Close()

	now := g.now()
	var ops []database.BatchOperation
	removed := 0

	for it.Next() {
		var p Policy
		if err := intent.DecodeCanonical(it.Value(), &p); err != nil {
			continue
		}
		if p.Live(now) {
			continue
		}
		ops = append(ops,
			database.BatchOperation{Type: database.BatchDelete, Key: policyKey(p.Owner, p.Session)},
			database.BatchOperation{Type: database.BatchDelete, Key: spentKey(p.Owner, p.Session)},
		)
		removed++
	}
	if err := it.Error(); err != nil {
		return 0, err
	}

	if len(ops) == 0 {
		return 0, nil
	}
	if err := g.db.Batch(ctx, ops); err != nil {
		return 0, err
	}
	return removed, nil
}
