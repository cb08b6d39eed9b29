package da

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlob() *Blob {
	return &Blob{
		BatchID: "b1",
		Items:   []BlobItem{{Item: "sword", Game: "g1", Owner: "carol"}},
		Deltas: []BlobDelta{
			{Wallet: "alice", Game: "g1", Delta: "100"},
			{Wallet: "carol", Game: "g1", Delta: "-100"},
		},
	}
}

func TestPublishHashOnlyPointer(t *testing.T) {
	store := NewStore(ModeHashOnly, "")
	blob := testBlob()

	pointer, ok := store.Publish(context.Background(), blob)
	require.True(t, ok)

	raw, err := Encode(blob)
	require.NoError(t, err)
	assert.Equal(t, [32]byte(sha256.Sum256(raw)), pointer)

	// Canonical encoding: publishing again yields the same pointer.
	again, ok := store.Publish(context.Background(), blob)
	require.True(t, ok)
	assert.Equal(t, pointer, again)
}

func TestPublishAndFetchContentAddressed(t *testing.T) {
	var mu sync.Mutex
	blobs := make(map[string][]byte)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/blob/")
		switch r.Method {
		case http.MethodPut:
			raw, _ := io.ReadAll(r.Body)
			mu.Lock()
			blobs[key] = raw
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			mu.Lock()
			raw, ok := blobs[key]
			mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(raw)
		}
	}))
	defer srv.Close()

	store := NewStore(ModeContentAddressed, srv.URL)
	blob := testBlob()

	pointer, ok := store.Publish(context.Background(), blob)
	require.True(t, ok)

	mu.Lock()
	_, stored := blobs[hex.EncodeToString(pointer[:])]
	mu.Unlock()
	assert.True(t, stored)

	back, err := store.Fetch(context.Background(), pointer)
	require.NoError(t, err)
	assert.Equal(t, blob.BatchID, back.BatchID)
	assert.Equal(t, blob.Items, back.Items)
	assert.Equal(t, blob.Deltas, back.Deltas)
}

func TestPublishUploadFailureReturnsZeroPointer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewStore(ModeContentAddressed, srv.URL)
	pointer, ok := store.Publish(context.Background(), testBlob())

	assert.False(t, ok)
	assert.Equal(t, [32]byte{}, pointer)
}

func TestFetchRejectsTamperedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not the committed bytes"))
	}))
	defer srv.Close()

	store := NewStore(ModeContentAddressed, srv.URL)
	var pointer [32]byte
	pointer[0] = 0x01

	_, err := store.Fetch(context.Background(), pointer)
	assert.ErrorContains(t, err, "does not match pointer")
}

func TestFetchUnavailableInHashOnlyMode(t *testing.T) {
	store := NewStore(ModeHashOnly, "")
	_, err := store.Fetch(context.Background(), [32]byte{})
	assert.Error(t, err)
}
