package ledger

import (
	"sync"

	"github.com/openforge/nettingd/internal/crypto"
	"github.com/openforge/nettingd/internal/intent"
)

// signedRecord is the canonical byte layout the authority signs. Fixed-order
// CBOR array, same discipline as the client intent payload.
type signedRecord struct {
	_struct    bool   `codec:",toarray"`
	BatchID    uint64 `codec:"batchId"`
	Root       []byte `codec:"root"`
	DAHash     []byte `codec:"daHash"`
	NumIntents uint64 `codec:"numIntents"`
	NumItems   uint64 `codec:"numItems"`
}

// RecordBytes returns the canonical bytes of a settlement record for
// signing and verification.
func RecordBytes(r *SettlementRecord) ([]byte, error) {
	return intent.EncodeCanonical(&signedRecord{
		BatchID:    r.BatchID,
		Root:       r.Root[:],
		DAHash:     r.DAHash[:],
		NumIntents: r.NumIntents,
		NumItems:   r.NumItems,
	})
}

// Authority holds the operator's ledger signing key. One long-lived
// instance exists per process and signing is serialised through it.
type Authority struct {
	mu       sync.Mutex
	seedHex  string
	pubHex   string
	provider *crypto.ED25519Provider
}

func NewAuthority(seedHex string) (*Authority, error) {
	provider := crypto.NewED25519Provider()
	pub, err := provider.PublicKeyFromSeed(seedHex)
	if err != nil {
		return nil, err
	}
	return &Authority{
		seedHex:  seedHex,
		pubHex:   pub,
		provider: provider,
	}, nil
}

// PublicKey returns the hex authority public key.
func (a *Authority) PublicKey() string {
	return a.pubHex
}

// SignRecord signs a settlement record, returning the base64 signature.
func (a *Authority) SignRecord(r *SettlementRecord) (string, error) {
	payload, err := RecordBytes(r)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.provider.Sign(payload, a.seedHex)
}
