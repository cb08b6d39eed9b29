package session

import (
	"time"

	"github.com/openforge/nettingd/internal/intent"
	"github.com/openforge/nettingd/internal/netting"
)

// Policy authorises an ephemeral session key to act on behalf of an owner,
// bounded by an expiry, an allowed-action set and a cumulative volume cap.
type Policy struct {
	Owner     string          `json:"owner"`
	Session   string          `json:"session"`
	Cap       string          `json:"cap"`
	ExpiresAt int64           `json:"expires_at"`
	Allowed   []intent.Action `json:"allowed"`
	CreatedAt int64           `json:"created_at"`
}

// CapAmount parses the cumulative cap.
func (p *Policy) CapAmount() (netting.Int128, error) {
	return netting.FromDecimalString(p.Cap)
}

// Live reports whether the policy has not yet expired at now.
func (p *Policy) Live(now time.Time) bool {
	return now.Unix() < p.ExpiresAt
}

// Allows reports whether the policy permits the given action.
func (p *Policy) Allows(a intent.Action) bool {
	for _, allowed := range p.Allowed {
		if allowed == a {
			return true
		}
	}
	return false
}

// registrationPayload is the canonical form an owner signs to register a
// session key. Fixed field order, CBOR array encoding, same rules as the
// intent payload.
type registrationPayload struct {
	_struct   bool     `codec:",toarray"`
	Owner     string   `codec:"owner"`
	Session   string   `codec:"session"`
	Cap       string   `codec:"cap"`
	ExpiresAt int64    `codec:"expiresAt"`
	Allowed   []string `codec:"allowed"`
}

// RegistrationBytes returns the canonical bytes the owner must sign to
// register this policy.
func RegistrationBytes(p *Policy) ([]byte, error) {
	allowed := make([]string, len(p.Allowed))
	for i, a := range p.Allowed {
		allowed[i] = string(a)
	}
	return intent.EncodeCanonical(&registrationPayload{
		Owner:     p.Owner,
		Session:   p.Session,
		Cap:       p.Cap,
		ExpiresAt: p.ExpiresAt,
		Allowed:   allowed,
	})
}
