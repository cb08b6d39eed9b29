package intent

import (
	"github.com/ugorji/go/codec"
)

// signedPayload is the canonical form clients sign. Field order is fixed;
// created_at and the signature itself are excluded. The CBOR encoding below
// is the authoritative byte sequence: servers and clients must produce
// identical bytes for identical intents.
type signedPayload struct {
	_struct       bool   `codec:",toarray"`
	ID            string `codec:"id"`
	SessionPubkey string `codec:"sessionPubkey"`
	OwnerPubkey   string `codec:"ownerPubkey"`
	ItemID        string `codec:"itemId"`
	From          string `codec:"from"`
	To            string `codec:"to"`
	Amount        string `codec:"amountLamports"`
	Nonce         int64  `codec:"nonce"`
	IntentType    string `codec:"intentType"`
}

var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// CanonicalSignedBytes returns the exact byte sequence the session key must
// have signed for this intent. Encoding is canonical CBOR with the payload
// emitted as a fixed-order array, which removes any whitespace or key-order
// ambiguity a JSON form would carry.
func CanonicalSignedBytes(t *TradeIntent) ([]byte, error) {
	p := signedPayload{
		ID:            t.ID,
		SessionPubkey: t.Session,
		OwnerPubkey:   t.Owner,
		ItemID:        t.Item,
		From:          t.From,
		To:            t.To,
		Amount:        t.Amount,
		Nonce:         t.Nonce,
		IntentType:    string(t.EffectiveAction()),
	}

	var out []byte
	enc := codec.NewEncoderBytes(&out, cborHandle)
	if err := enc.Encode(&p); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeCanonical encodes an arbitrary value with the same canonical CBOR
// handle used for signed payloads. The settlement diff blob written to the
// data-availability store goes through this path so its hash is
// byte-deterministic.
func EncodeCanonical(v interface{}) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeCanonical decodes bytes produced by EncodeCanonical.
func DecodeCanonical(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, cborHandle)
	return dec.Decode(v)
}
