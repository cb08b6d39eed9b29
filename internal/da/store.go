// Package da publishes batch blobs to the data-availability store. The DA
// pointer committed on-ledger is always the SHA-256 of the blob; whether the
// blob bytes are actually retrievable depends on the configured mode.
package da

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/openforge/nettingd/internal/intent"
)

// Mode selects how batch blobs are made available.
type Mode string

const (
	// ModeContentAddressed uploads the blob to an HTTP content store keyed
	// by its hash.
	ModeContentAddressed Mode = "content_addressed"

	// ModeHashOnly computes the pointer without storing the blob anywhere.
	// Suitable only for deployments where the relational store is the
	// recovery path.
	ModeHashOnly Mode = "hash_only"
)

const uploadTimeout = 15 * time.Second

// Blob is the published content of one batch: the consumed intents plus the
// netted outcome, enough to re-derive the Merkle root offline.
type Blob struct {
	_struct bool        `codec:",toarray"`
	BatchID string      `codec:"batchId"`
	Items   []BlobItem  `codec:"items"`
	Deltas  []BlobDelta `codec:"deltas"`
	Intents [][]byte    `codec:"intents"`
}

type BlobItem struct {
	_struct bool   `codec:",toarray"`
	Item    string `codec:"item"`
	Game    string `codec:"game"`
	Owner   string `codec:"owner"`
}

type BlobDelta struct {
	_struct bool   `codec:",toarray"`
	Wallet  string `codec:"wallet"`
	Game    string `codec:"game"`
	Delta   string `codec:"delta"`
}

// Store publishes blobs and returns their DA pointer.
type Store struct {
	mode    Mode
	baseURL string
	client  *http.Client
}

// NewStore builds a DA store client. baseURL is only consulted in
// content-addressed mode.
func NewStore(mode Mode, baseURL string) *Store {
	return &Store{
		mode:    mode,
		baseURL: baseURL,
		client:  &http.Client{Timeout: uploadTimeout},
	}
}

// Encode serialises a blob canonically. The same bytes always hash to the
// same pointer, so re-publishing after a crash is safe.
func Encode(blob *Blob) ([]byte, error) {
	return intent.EncodeCanonical(blob)
}

// Publish encodes and publishes the blob, returning its pointer. An upload
// failure is logged and reported through ok=false with a zeroed pointer;
// settlement proceeds regardless.
func (s *Store) Publish(ctx context.Context, blob *Blob) (pointer [32]byte, ok bool) {
	raw, err := Encode(blob)
	if err != nil {
		log.Printf("da: encode blob for batch %s: %v", blob.BatchID, err)
		return pointer, false
	}

	hash := sha256.Sum256(raw)
	if s.mode == ModeHashOnly {
		return hash, true
	}

	if err := s.upload(ctx, hash, raw); err != nil {
		log.Printf("da: upload blob for batch %s: %v", blob.BatchID, err)
		return [32]byte{}, false
	}
	return hash, true
}

func (s *Store) upload(ctx context.Context, hash [32]byte, raw []byte) error {
	url := fmt.Sprintf("%s/blob/%s", s.baseURL, hex.EncodeToString(hash[:]))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("da store returned http %d", resp.StatusCode)
	}
	return nil
}

// Fetch retrieves a blob by pointer from the content store and verifies it
// hashes to the pointer before decoding.
func (s *Store) Fetch(ctx context.Context, pointer [32]byte) (*Blob, error) {
	if s.mode == ModeHashOnly {
		return nil, fmt.Errorf("da: fetch unavailable in hash_only mode")
	}

	url := fmt.Sprintf("%s/blob/%s", s.baseURL, hex.EncodeToString(pointer[:]))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("da store returned http %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if sha256.Sum256(raw) != pointer {
		return nil, fmt.Errorf("da: blob content does not match pointer")
	}

	var blob Blob
	if err := intent.DecodeCanonical(raw, &blob); err != nil {
		return nil, fmt.Errorf("da: decode blob: %w", err)
	}
	return &blob, nil
}
