package rpc

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openforge/nettingd/internal/ledger"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// SettlementEvent is the wire shape pushed to websocket subscribers when a
// batch is applied by the indexer.
type SettlementEvent struct {
	BatchID    string `json:"batch_id"`
	LedgerSeq  uint64 `json:"ledger_seq"`
	Slot       uint64 `json:"slot"`
	MerkleRoot string `json:"merkle_root"`
	DAHash     string `json:"da_hash"`
	NumIntents int    `json:"num_intents"`
	NumItems   int    `json:"num_items"`
	TxRef      string `json:"tx_ref"`
}

// Publisher fans settlement events out to websocket subscribers. A slow
// subscriber never blocks publication; its connection is dropped instead.
type Publisher struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[int]*wsConn
	nextID int
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func NewPublisher() *Publisher {
	return &Publisher{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[int]*wsConn),
	}
}

// ServeHTTP upgrades one subscriber connection.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	c := &wsConn{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.conns[id] = c
	p.mu.Unlock()

	go p.writeLoop(id, c)
	go p.readLoop(id, c)
}

func (p *Publisher) drop(id int) {
	p.mu.Lock()
	c, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()

	if ok {
		close(c.done)
		c.conn.Close()
	}
}

// readLoop discards client frames; the stream is one-way. Reading is still
// required to notice disconnects and answer pings.
func (p *Publisher) readLoop(id int, c *wsConn) {
	defer p.drop(id)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *Publisher) writeLoop(id int, c *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer p.drop(id)

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PublishSettlement broadcasts one applied batch to all subscribers.
func (p *Publisher) PublishSettlement(event *ledger.Event, rec *relationaldb.BatchRecord) {
	msg, err := json.Marshal(&SettlementEvent{
		BatchID:    rec.BatchID,
		LedgerSeq:  rec.LedgerSeq,
		Slot:       event.Slot,
		MerkleRoot: rec.MerkleRoot,
		DAHash:     rec.DAHash,
		NumIntents: rec.NumIntents,
		NumItems:   rec.NumItems,
		TxRef:      rec.TxRef,
	})
	if err != nil {
		log.Printf("failed to marshal settlement event: %v", err)
		return
	}

	p.mu.Lock()
	stale := make([]int, 0)
	for id, c := range p.conns {
		select {
		case c.send <- msg:
		default:
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		log.Printf("dropping slow websocket subscriber %d", id)
		p.drop(id)
	}
}

// SubscriberCount reports the number of live websocket subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
