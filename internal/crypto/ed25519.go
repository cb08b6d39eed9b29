package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// ED25519Provider implements the digital signature operations used to gate
// trade intents. Session keys and owner keys are raw 32-byte Ed25519 public
// keys, hex encoded.
type ED25519Provider struct{}

// Common error definitions
var (
	ErrInvalidPublicKey  = errors.New("invalid public key format")
	ErrInvalidPrivateKey = errors.New("invalid private key format")
	ErrInvalidSignature  = errors.New("invalid signature format")
)

func NewED25519Provider() *ED25519Provider {
	return &ED25519Provider{}
}

// DecodeSignature decodes a client-supplied signature. Base64 (std and URL
// alphabets) is accepted first, with hex as a fallback for older clients.
func (p *ED25519Provider) DecodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return nil, ErrInvalidSignature
	}

	if raw, err := base64.StdEncoding.DecodeString(sig); err == nil && len(raw) == ed25519.SignatureSize {
		return raw, nil
	}
	if raw, err := base64.URLEncoding.DecodeString(sig); err == nil && len(raw) == ed25519.SignatureSize {
		return raw, nil
	}
	if raw, err := hex.DecodeString(strings.ToLower(sig)); err == nil && len(raw) == ed25519.SignatureSize {
		return raw, nil
	}

	return nil, ErrInvalidSignature
}

// DecodePublicKey decodes a hex-encoded 32-byte Ed25519 public key.
func (p *ED25519Provider) DecodePublicKey(pubKeyHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(pubKeyHex)))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks sig over message with the given hex public key. The signature
// may be base64 or hex encoded.
func (p *ED25519Provider) Verify(message []byte, publicKeyHex, sig string) bool {
	pubKey, err := p.DecodePublicKey(publicKeyHex)
	if err != nil {
		return false
	}

	sigBytes, err := p.DecodeSignature(sig)
	if err != nil {
		return false
	}

	return ed25519.Verify(pubKey, message, sigBytes)
}

// Sign signs message with a hex-encoded 32-byte seed and returns the base64
// signature. Used by the operator authority and by test fixtures.
func (p *ED25519Provider) Sign(message []byte, seedHex string) (string, error) {
	seed, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(seedHex)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", ErrInvalidPrivateKey
	}

	key := ed25519.NewKeyFromSeed(seed)
	sig := ed25519.Sign(key, message)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKeyFromSeed derives the hex public key for a hex seed.
func (p *ED25519Provider) PublicKeyFromSeed(seedHex string) (string, error) {
	seed, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(seedHex)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", ErrInvalidPrivateKey
	}

	key := ed25519.NewKeyFromSeed(seed)
	pub := key.Public().(ed25519.PublicKey)
	return hex.EncodeToString(pub), nil
}
