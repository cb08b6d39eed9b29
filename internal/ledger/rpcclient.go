package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultRequestTimeout = 10 * time.Second
	wsReconnectDelay      = 2 * time.Second
)

// RPCClient talks JSON-RPC to the settlement ledger node over HTTP and
// consumes its committed-settlement stream over websocket.
type RPCClient struct {
	httpURL string
	wsURL   string
	client  *http.Client
	nextID  uint64
}

// NewRPCClient builds a ledger client for the given endpoints. httpURL is
// the JSON-RPC endpoint, wsURL the websocket stream endpoint.
func NewRPCClient(httpURL, wsURL string) *RPCClient {
	return &RPCClient{
		httpURL: httpURL,
		wsURL:   wsURL,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (c *RPCClient) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ledger rpc %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger rpc %s: http %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("ledger rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return mapRPCError(method, rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("ledger rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

// Ledger-side JSON-RPC error codes.
const (
	codeSequenceReject = -32001
	codeBadAuthority   = -32002
	codeTxNotFound     = -32003
)

func mapRPCError(method string, e *rpcError) error {
	switch e.Code {
	case codeSequenceReject:
		return fmt.Errorf("%w: %s", ErrLedgerReject, e.Message)
	case codeBadAuthority:
		return fmt.Errorf("%w: %s", ErrBadAuthority, e.Message)
	case codeTxNotFound:
		return ErrTxNotFound
	default:
		return fmt.Errorf("ledger rpc %s: code %d: %s", method, e.Code, e.Message)
	}
}

func (c *RPCClient) LastCommittedBatchID(ctx context.Context) (uint64, error) {
	var result struct {
		BatchID uint64 `json:"batch_id"`
	}
	if err := c.call(ctx, "settlement_lastCommitted", nil, &result); err != nil {
		return 0, err
	}
	return result.BatchID, nil
}

func (c *RPCClient) SubmitSettlement(ctx context.Context, record *SettlementRecord, authoritySig string) (string, error) {
	params := struct {
		BatchID      uint64 `json:"batch_id"`
		Root         string `json:"root"`
		DAHash       string `json:"da_hash"`
		NumIntents   uint64 `json:"num_intents"`
		NumItems     uint64 `json:"num_items"`
		AuthoritySig string `json:"authority_sig"`
	}{
		BatchID:      record.BatchID,
		Root:         hex.EncodeToString(record.Root[:]),
		DAHash:       hex.EncodeToString(record.DAHash[:]),
		NumIntents:   record.NumIntents,
		NumItems:     record.NumItems,
		AuthoritySig: authoritySig,
	}

	var result struct {
		TxRef string `json:"tx_ref"`
	}
	if err := c.call(ctx, "settlement_submit", &params, &result); err != nil {
		return "", err
	}
	return result.TxRef, nil
}

func (c *RPCClient) TxStatus(ctx context.Context, txRef string) (*TxStatus, error) {
	params := struct {
		TxRef string `json:"tx_ref"`
	}{TxRef: txRef}

	var result struct {
		State string `json:"state"`
		Slot  uint64 `json:"slot"`
	}
	err := c.call(ctx, "settlement_txStatus", &params, &result)
	if errors.Is(err, ErrTxNotFound) {
		return &TxStatus{State: TxNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	status := &TxStatus{Slot: result.Slot}
	switch strings.ToLower(result.State) {
	case "committed":
		status.State = TxCommitted
	case "pending":
		status.State = TxPending
	default:
		status.State = TxNotFound
	}
	return status, nil
}

func (c *RPCClient) CurrentSlot(ctx context.Context) (uint64, error) {
	var result struct {
		Slot uint64 `json:"slot"`
	}
	if err := c.call(ctx, "ledger_currentSlot", nil, &result); err != nil {
		return 0, err
	}
	return result.Slot, nil
}

// wsEvent is the wire shape of one committed settlement on the stream.
type wsEvent struct {
	BatchID    uint64 `json:"batch_id"`
	Root       string `json:"root"`
	DAHash     string `json:"da_hash"`
	NumIntents uint64 `json:"num_intents"`
	NumItems   uint64 `json:"num_items"`
	Slot       uint64 `json:"slot"`
	Timestamp  int64  `json:"timestamp"`
}

// Subscribe opens the websocket stream from the given slot. The reader
// reconnects on transport errors, resuming from the highest slot seen, and
// stops when ctx is cancelled or cancel is called.
func (c *RPCClient) Subscribe(ctx context.Context, fromSlot uint64) (<-chan *Event, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan *Event, 256)

	go func() {
		defer close(out)
		cursor := fromSlot
		for {
			if subCtx.Err() != nil {
				return
			}
			last, err := c.readStream(subCtx, cursor, out)
			if last > cursor {
				cursor = last
			}
			if subCtx.Err() != nil {
				return
			}
			if err != nil {
				log.Printf("ledger stream error, reconnecting: %v", err)
			}
			select {
			case <-subCtx.Done():
				return
			case <-time.After(wsReconnectDelay):
			}
		}
	}()

	return out, cancel, nil
}

// readStream runs one websocket session, returning the last slot delivered.
func (c *RPCClient) readStream(ctx context.Context, fromSlot uint64, out chan<- *Event) (uint64, error) {
	url := fmt.Sprintf("%s?from_slot=%d", c.wsURL, fromSlot)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fromSlot, err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	last := fromSlot
	for {
		var raw wsEvent
		if err := conn.ReadJSON(&raw); err != nil {
			return last, err
		}

		event := &Event{
			BatchID:    raw.BatchID,
			NumIntents: raw.NumIntents,
			NumItems:   raw.NumItems,
			Slot:       raw.Slot,
			Timestamp:  time.Unix(raw.Timestamp, 0).UTC(),
		}
		if err := decodeHash32(raw.Root, &event.Root); err != nil {
			log.Printf("ledger stream: bad root in event for batch %d: %v", raw.BatchID, err)
			continue
		}
		if err := decodeHash32(raw.DAHash, &event.DAHash); err != nil {
			log.Printf("ledger stream: bad da_hash in event for batch %d: %v", raw.BatchID, err)
			continue
		}

		select {
		case out <- event:
			last = raw.Slot
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

func decodeHash32(s string, dst *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("hash is %d bytes, want 32", len(raw))
	}
	copy(dst[:], raw)
	return nil
}
