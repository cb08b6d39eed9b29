package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openforge/nettingd/internal/indexer"
	"github.com/openforge/nettingd/internal/intent"
	"github.com/openforge/nettingd/internal/merkle"
	"github.com/openforge/nettingd/internal/queue"
	"github.com/openforge/nettingd/internal/resilience"
	"github.com/openforge/nettingd/internal/session"
	"github.com/openforge/nettingd/internal/storage/database"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

// stubShadow serves fixed projection rows to the read model.
type stubShadow struct {
	ownership map[string]*relationaldb.OwnershipRow
	balances  map[string]*relationaldb.BalanceRow
	history   []relationaldb.ItemHistoryRow
	cursor    relationaldb.Cursor
}

func key2(a, b string) string { return a + "\x00" + b }

func (s *stubShadow) ApplyBatch(context.Context, *relationaldb.BatchRecord, []relationaldb.SettledItem, []relationaldb.CashDelta, uint64) error {
	return nil
}

func (s *stubShadow) OwnershipByOwner(_ context.Context, owner string) ([]relationaldb.OwnershipRow, error) {
	var out []relationaldb.OwnershipRow
	for _, row := range s.ownership {
		if row.Owner == owner {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *stubShadow) OwnershipOfItem(_ context.Context, item, game string) (*relationaldb.OwnershipRow, error) {
	row, ok := s.ownership[key2(item, game)]
	if !ok {
		return nil, relationaldb.ErrItemNotFound
	}
	return row, nil
}

func (s *stubShadow) Balance(_ context.Context, wallet, game string) (*relationaldb.BalanceRow, error) {
	row, ok := s.balances[key2(wallet, game)]
	if !ok {
		return nil, relationaldb.ErrWalletNotFound
	}
	return row, nil
}

func (s *stubShadow) ItemHistory(_ context.Context, item, game string) ([]relationaldb.ItemHistoryRow, error) {
	var out []relationaldb.ItemHistoryRow
	for _, row := range s.history {
		if row.Item == item && row.Game == game {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *stubShadow) Cursor(context.Context) (*relationaldb.Cursor, error) {
	cp := s.cursor
	return &cp, nil
}

// stubBatches serves one preloaded batch.
type stubBatches struct {
	rec    *relationaldb.BatchRecord
	items  []relationaldb.SettledItem
	deltas []relationaldb.CashDelta
}

func (s *stubBatches) Insert(context.Context, *relationaldb.BatchRecord, []relationaldb.SettledItem, []relationaldb.CashDelta, []relationaldb.IntentRow) error {
	return nil
}

func (s *stubBatches) Get(_ context.Context, batchID string) (*relationaldb.BatchRecord, error) {
	if s.rec == nil || s.rec.BatchID != batchID {
		return nil, relationaldb.ErrBatchNotFound
	}
	return s.rec, nil
}

func (s *stubBatches) MarkCommitted(context.Context, string, uint64, string, string) error {
	return nil
}
func (s *stubBatches) MarkSettled(context.Context, string, string) error { return nil }
func (s *stubBatches) MarkIndexed(context.Context, string) error         { return nil }
func (s *stubBatches) MarkAborted(context.Context, string, string) error { return nil }

func (s *stubBatches) ListByState(context.Context, ...relationaldb.BatchState) ([]relationaldb.BatchRecord, error) {
	return nil, nil
}

func (s *stubBatches) SettledItems(context.Context, string) ([]relationaldb.SettledItem, error) {
	return s.items, nil
}

func (s *stubBatches) CashDeltas(context.Context, string) ([]relationaldb.CashDelta, error) {
	return s.deltas, nil
}

func (s *stubBatches) GetIntent(context.Context, string) (*relationaldb.IntentRow, error) {
	return nil, relationaldb.ErrIntentNotFound
}

func (s *stubBatches) FindSettledByRoot(context.Context, string) (*relationaldb.BatchRecord, error) {
	return nil, relationaldb.ErrBatchNotFound
}

func (s *stubBatches) FindSettledByCounts(context.Context, int, int) (*relationaldb.BatchRecord, error) {
	return nil, relationaldb.ErrBatchNotFound
}

type serverFixture struct {
	srv     *httptest.Server
	gate    *session.Gate
	brick   *resilience.BrickMonitor
	shadow  *stubShadow
	batches *stubBatches
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	db := database.NewMemDB()
	gate := session.NewGate(db, session.WithSignatureVerificationDisabled())
	q := queue.New(db, gate)

	shadow := &stubShadow{
		ownership: make(map[string]*relationaldb.OwnershipRow),
		balances:  make(map[string]*relationaldb.BalanceRow),
	}
	reads, err := indexer.NewReadModel(shadow, 64)
	require.NoError(t, err)

	batches := &stubBatches{}
	brick := resilience.NewBrickMonitor(resilience.DefaultBrickConfig())
	partition := resilience.NewPartitionGuard(nil, time.Minute, time.Second)

	server := NewServer(q, gate, reads, batches, brick, partition, NewPublisher(), 5*time.Second)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &serverFixture{srv: srv, gate: gate, brick: brick, shadow: shadow, batches: batches}
}

func (f *serverFixture) registerPolicy(t *testing.T) {
	t.Helper()
	p := &session.Policy{
		Owner:     "owner-1",
		Session:   "sess-1",
		Cap:       "1000",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		Allowed:   []intent.Action{intent.ActionTrade},
	}
	require.NoError(t, f.gate.Register(context.Background(), p, "unchecked"))
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestIntentEndpointAccepts(t *testing.T) {
	f := newServerFixture(t)
	f.registerPolicy(t)

	resp, body := postJSON(t, f.srv.URL+"/intent", &intent.TradeIntent{
		ID: "i1", Session: "sess-1", Owner: "owner-1", Item: "sword",
		From: "a", To: "b", Amount: "100", Nonce: 1, Signature: "x",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "i1", body["id"])
}

func TestIntentEndpointRejectsWithEnumReason(t *testing.T) {
	f := newServerFixture(t)

	// No policy registered.
	resp, body := postJSON(t, f.srv.URL+"/intent", &intent.TradeIntent{
		ID: "i1", Session: "sess-1", Owner: "owner-1", Item: "sword",
		From: "a", To: "b", Amount: "100", Nonce: 1, Signature: "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, string(intent.ReasonNoPolicy), body["reason"])
}

func TestIntentEndpointRejectsOverCap(t *testing.T) {
	f := newServerFixture(t)
	f.registerPolicy(t)

	resp, _ := postJSON(t, f.srv.URL+"/intent", &intent.TradeIntent{
		ID: "i1", Session: "sess-1", Owner: "owner-1", Item: "sword",
		From: "a", To: "b", Amount: "900", Nonce: 1, Signature: "x",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := postJSON(t, f.srv.URL+"/intent", &intent.TradeIntent{
		ID: "i2", Session: "sess-1", Owner: "owner-1", Item: "shield",
		From: "a", To: "b", Amount: "200", Nonce: 2, Signature: "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(intent.ReasonOverCap), body["reason"])
}

func TestIntentEndpointBadJSON(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Post(f.srv.URL+"/intent", "application/json", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(intent.ReasonMalformed), body["reason"])
}

func TestIntentEndpointMethodNotAllowed(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.srv.URL + "/intent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSessionEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, body := postJSON(t, f.srv.URL+"/session", map[string]interface{}{
		"owner":           "owner-1",
		"session":         "sess-1",
		"cap":             "500",
		"expires_at":      time.Now().Add(time.Hour).Unix(),
		"allowed":         []string{"TRADE"},
		"owner_signature": "unchecked",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "registered", body["status"])

	// Invalid cap surfaces as a 400.
	resp, _ = postJSON(t, f.srv.URL+"/session", map[string]interface{}{
		"owner":           "owner-1",
		"session":         "sess-2",
		"cap":             "-5",
		"expires_at":      time.Now().Add(time.Hour).Unix(),
		"allowed":         []string{"TRADE"},
		"owner_signature": "unchecked",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBalanceEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.shadow.balances[key2("alice", "g1")] = &relationaldb.BalanceRow{
		Wallet: "alice", Game: "g1", DeltaSum: "150", LastBatchID: "b1",
	}

	resp, body := getJSON(t, f.srv.URL+"/balance?wallet=alice&game=g1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "150", body["delta_sum"])

	// Unknown wallets read as zero, not as missing.
	resp, body = getJSON(t, f.srv.URL+"/balance?wallet=nobody&game=g1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", body["delta_sum"])

	resp, err := http.Get(f.srv.URL + "/balance")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInventoryEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.shadow.ownership[key2("sword", "g1")] = &relationaldb.OwnershipRow{
		Item: "sword", Game: "g1", Owner: "alice", BatchID: "b1",
	}

	resp, body := getJSON(t, f.srv.URL+"/inventory?owner=alice")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	items, ok := body["items"].([]interface{})
	require.True(t, ok)
	assert.Len(t, items, 1)

	resp, err := http.Get(f.srv.URL + "/inventory")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.batches.rec = &relationaldb.BatchRecord{BatchID: "b1", State: relationaldb.BatchSettled, NumItems: 1}
	f.batches.items = []relationaldb.SettledItem{{BatchID: "b1", Item: "sword", FinalOwner: "carol"}}
	f.batches.deltas = []relationaldb.CashDelta{{BatchID: "b1", Wallet: "carol", Delta: "-100"}}

	resp, body := getJSON(t, f.srv.URL+"/batch/b1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["batch"])
	assert.NotNil(t, body["items"])
	assert.Equal(t, true, body["settled"])

	// A batch mid-pipeline reads back with settled=false.
	f.batches.rec.State = relationaldb.BatchNetted
	resp, body = getJSON(t, f.srv.URL+"/batch/b1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["settled"])

	resp, _ = getJSON(t, f.srv.URL+"/batch/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProofEndpointReturnsVerifiableProof(t *testing.T) {
	f := newServerFixture(t)

	owners := map[string]string{"sword": "carol", "shield": "bob", "helm": "dave"}
	root := merkle.Root(merkle.LeafSet(owners))

	f.batches.rec = &relationaldb.BatchRecord{BatchID: "b1", State: relationaldb.BatchSettled, MerkleRoot: root.Hex()}
	for item, owner := range owners {
		f.batches.items = append(f.batches.items, relationaldb.SettledItem{BatchID: "b1", Item: item, FinalOwner: owner})
	}

	resp, body := getJSON(t, f.srv.URL+"/proof?batch=b1&item=shield")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bob", body["owner"])
	assert.Equal(t, root.Hex(), body["root"])

	// The returned path must verify against the committed root.
	var proof merkle.Proof
	leafRaw, err := hex.DecodeString(body["leaf"].(string))
	require.NoError(t, err)
	copy(proof.Leaf[:], leafRaw)
	for _, sib := range body["siblings"].([]interface{}) {
		raw, err := hex.DecodeString(sib.(string))
		require.NoError(t, err)
		var h merkle.Hash
		copy(h[:], raw)
		proof.Siblings = append(proof.Siblings, h)
	}
	assert.True(t, merkle.Verify(&proof, root))

	resp, _ = getJSON(t, f.srv.URL+"/proof?batch=b1&item=boots")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProofUnavailableBeforeSettlement(t *testing.T) {
	f := newServerFixture(t)

	// The batch is netted locally but its root is not on-ledger yet, so
	// there is nothing to prove inclusion against.
	f.batches.rec = &relationaldb.BatchRecord{BatchID: "b1", State: relationaldb.BatchNetted}
	f.batches.items = []relationaldb.SettledItem{{BatchID: "b1", Item: "sword", FinalOwner: "carol"}}

	resp, err := http.Get(f.srv.URL + "/proof?batch=b1&item=sword")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPendingEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.registerPolicy(t)

	_, _ = postJSON(t, f.srv.URL+"/intent", &intent.TradeIntent{
		ID: "i1", Session: "sess-1", Owner: "owner-1", Item: "sword",
		From: "a", To: "b", Amount: "10", Nonce: 1, Signature: "x",
	})

	resp, body := getJSON(t, f.srv.URL+"/pending")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["pending"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, body := getJSON(t, f.srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "closed", body["circuit"])

	for i := 0; i < resilience.DefaultBrickConfig().MaxConsecutive; i++ {
		f.brick.RecordFailure()
	}

	resp, body = getJSON(t, f.srv.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["healthy"])
	assert.Equal(t, "open", body["circuit"])
}

func TestCORSPreflight(t *testing.T) {
	f := newServerFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/intent", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
