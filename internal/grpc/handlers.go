package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

// QueueStatusRequest asks for the intent queue's depth and age.
type QueueStatusRequest struct{}

// QueueStatusResponse reports the queue's current shape.
type QueueStatusResponse struct {
	// Pending is the number of intents awaiting batching.
	Pending int

	// OldestAgeSeconds is the age of the oldest pending intent.
	OldestAgeSeconds int64
}

// QueueStatus reports queue depth and oldest-intent age.
func (s *Server) QueueStatus(ctx context.Context, req *QueueStatusRequest) (*QueueStatusResponse, error) {
	q := s.pipeline.Queue()

	pending, err := q.PendingCount(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	age, err := q.OldestAge(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return &QueueStatusResponse{
		Pending:          pending,
		OldestAgeSeconds: int64(age.Seconds()),
	}, nil
}

// BatchStatusRequest asks for one batch's lifecycle state.
type BatchStatusRequest struct {
	// BatchID is the operator-local batch id.
	BatchID string
}

// BatchStatusResponse reports a batch's persisted header.
type BatchStatusResponse struct {
	BatchID    string
	State      string
	LedgerSeq  uint64
	MerkleRoot string
	TxRef      string
	NumIntents int
	NumItems   int
}

// BatchStatus retrieves the lifecycle state of one batch.
func (s *Server) BatchStatus(ctx context.Context, req *BatchStatusRequest) (*BatchStatusResponse, error) {
	if req.BatchID == "" {
		return nil, status.Error(codes.InvalidArgument, "batch_id is required")
	}

	rec, err := s.pipeline.Batches().Get(ctx, req.BatchID)
	if errors.Is(err, relationaldb.ErrBatchNotFound) {
		return nil, status.Error(codes.NotFound, "batch not found")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return &BatchStatusResponse{
		BatchID:    rec.BatchID,
		State:      string(rec.State),
		LedgerSeq:  rec.LedgerSeq,
		MerkleRoot: rec.MerkleRoot,
		TxRef:      rec.TxRef,
		NumIntents: rec.NumIntents,
		NumItems:   rec.NumItems,
	}, nil
}

// CircuitStatusRequest asks for the resilience watchdog states.
type CircuitStatusRequest struct{}

// CircuitStatusResponse reports the breaker and partition guard states.
type CircuitStatusResponse struct {
	// Circuit is closed, open or half_open.
	Circuit string

	// Partitioned is true while the ledger slot height is stalled.
	Partitioned bool
}

// CircuitStatus reports the state of the submission breaker and the
// partition guard.
func (s *Server) CircuitStatus(ctx context.Context, req *CircuitStatusRequest) (*CircuitStatusResponse, error) {
	return &CircuitStatusResponse{
		Circuit:     string(s.pipeline.Brick().State()),
		Partitioned: !s.pipeline.Partition().Healthy(),
	}, nil
}
