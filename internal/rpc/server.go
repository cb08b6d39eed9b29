// Package rpc is the operator's HTTP surface: intent and session-policy
// submission, the settled-state read API, and a websocket stream of
// settlement events.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/openforge/nettingd/internal/indexer"
	"github.com/openforge/nettingd/internal/intent"
	"github.com/openforge/nettingd/internal/merkle"
	"github.com/openforge/nettingd/internal/queue"
	"github.com/openforge/nettingd/internal/resilience"
	"github.com/openforge/nettingd/internal/session"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

const maxBodyBytes = 1 << 20

// Server handles the public HTTP API.
type Server struct {
	queue     *queue.Queue
	gate      *session.Gate
	reads     *indexer.ReadModel
	batches   relationaldb.BatchRepository
	brick     *resilience.BrickMonitor
	partition *resilience.PartitionGuard
	publisher *Publisher
	timeout   time.Duration
}

func NewServer(q *queue.Queue, gate *session.Gate, reads *indexer.ReadModel,
	batches relationaldb.BatchRepository, brick *resilience.BrickMonitor,
	partition *resilience.PartitionGuard, publisher *Publisher, timeout time.Duration) *Server {
	return &Server{
		queue:     q,
		gate:      gate,
		reads:     reads,
		batches:   batches,
		brick:     brick,
		partition: partition,
		publisher: publisher,
		timeout:   timeout,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/intent", s.withCORS(s.handleIntent))
	mux.HandleFunc("/session", s.withCORS(s.handleSession))
	mux.HandleFunc("/inventory", s.withCORS(s.handleInventory))
	mux.HandleFunc("/balance", s.withCORS(s.handleBalance))
	mux.HandleFunc("/batch/", s.withCORS(s.handleBatch))
	mux.HandleFunc("/proof", s.withCORS(s.handleProof))
	mux.HandleFunc("/history", s.withCORS(s.handleHistory))
	mux.HandleFunc("/pending", s.withCORS(s.handlePending))
	mux.HandleFunc("/health", s.withCORS(s.handleHealth))
	mux.Handle("/ws", s.publisher)
	return mux
}

func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Content-Type", "application/json")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("rpc: write response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// handleIntent accepts one signed trade intent. The response is either
// {"status":"accepted"} or {"status":"rejected","reason":<enum>}; the
// reason is always one of the fixed rejection codes, never free text.
func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	var t intent.TradeIntent
	if err := json.Unmarshal(body, &t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "rejected",
			"reason": string(intent.ReasonMalformed),
		})
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.queue.Submit(ctx, &t); err != nil {
		if reason := intent.ReasonOf(err); reason != "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"status": "rejected",
				"reason": string(reason),
				"id":     t.ID,
			})
			return
		}
		log.Printf("rpc: intent submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"id":     t.ID,
	})
}

type sessionRequest struct {
	session.Policy
	OwnerSignature string `json:"owner_signature"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req sessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	defer r.Body.Close()

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.gate.Register(ctx, &req.Policy, req.OwnerSignature); err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidCap),
			errors.Is(err, session.ErrInvalidExpiry),
			errors.Is(err, session.ErrNoAllowedActions),
			errors.Is(err, session.ErrBadRegistrationSig):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("rpc: session registration failed: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":  "registered",
		"owner":   req.Owner,
		"session": req.Session,
	})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	rows, err := s.reads.Inventory(ctx, owner)
	if err != nil {
		log.Printf("rpc: inventory read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner": owner,
		"items": rows,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	game := r.URL.Query().Get("game")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter required")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	row, err := s.reads.Balance(ctx, wallet, game)
	if errors.Is(err, relationaldb.ErrWalletNotFound) {
		// A wallet with no settled deltas has a zero balance, not a 404.
		writeJSON(w, http.StatusOK, &relationaldb.BalanceRow{Wallet: wallet, Game: game, DeltaSum: "0"})
		return
	}
	if err != nil {
		log.Printf("rpc: balance read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	batchID := strings.TrimPrefix(r.URL.Path, "/batch/")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch id required")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	rec, err := s.batches.Get(ctx, batchID)
	if errors.Is(err, relationaldb.ErrBatchNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		log.Printf("rpc: batch read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items, err := s.batches.SettledItems(ctx, batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	deltas, err := s.batches.CashDeltas(ctx, batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch":   rec,
		"settled": batchSettled(rec.State),
		"items":   items,
		"deltas":  deltas,
	})
}

func batchSettled(state relationaldb.BatchState) bool {
	return state == relationaldb.BatchSettled || state == relationaldb.BatchIndexed
}

type proofResponse struct {
	BatchID  string   `json:"batch_id"`
	Item     string   `json:"item"`
	Owner    string   `json:"owner"`
	Root     string   `json:"root"`
	Leaf     string   `json:"leaf"`
	Siblings []string `json:"siblings"`
}

// handleProof rebuilds the batch's leaf set and returns a position-free
// inclusion proof for one item.
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch")
	item := r.URL.Query().Get("item")
	if batchID == "" || item == "" {
		writeError(w, http.StatusBadRequest, "batch and item query parameters required")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	rec, err := s.batches.Get(ctx, batchID)
	if errors.Is(err, relationaldb.ErrBatchNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// A proof is only meaningful against an on-ledger root; a batch still
	// mid-pipeline reads as absent.
	if !batchSettled(rec.State) {
		writeError(w, http.StatusNotFound, "batch not settled")
		return
	}

	items, err := s.batches.SettledItems(ctx, batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	finalOwners := make(map[string]string, len(items))
	owner := ""
	for _, row := range items {
		finalOwners[row.Item] = row.FinalOwner
		if row.Item == item {
			owner = row.FinalOwner
		}
	}

	proof, err := merkle.ProveItem(finalOwners, item)
	if err != nil {
		writeError(w, http.StatusNotFound, "item not in batch")
		return
	}

	siblings := make([]string, len(proof.Siblings))
	for i, sib := range proof.Siblings {
		siblings[i] = sib.Hex()
	}
	writeJSON(w, http.StatusOK, &proofResponse{
		BatchID:  batchID,
		Item:     item,
		Owner:    owner,
		Root:     rec.MerkleRoot,
		Leaf:     proof.Leaf.Hex(),
		Siblings: siblings,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	item := r.URL.Query().Get("item")
	game := r.URL.Query().Get("game")
	if item == "" {
		writeError(w, http.StatusBadRequest, "item query parameter required")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	rows, err := s.reads.ItemHistory(ctx, item, game)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"item":    item,
		"history": rows,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	count, err := s.queue.PendingCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	age, err := s.queue.OldestAge(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":            count,
		"oldest_age_seconds": int64(age.Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	healthy := s.partition.Healthy() && s.brick.State() != resilience.CircuitOpen

	body := map[string]interface{}{
		"healthy":          healthy,
		"circuit":          string(s.brick.State()),
		"ledger_partition": !s.partition.Healthy(),
		"signature_checks": !s.gate.VerificationDisabled(),
	}
	if cursor, err := s.reads.Cursor(ctx); err == nil {
		body["indexed_slot"] = cursor.LastSlot
		body["indexed_batch"] = cursor.LastBatchID
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}
