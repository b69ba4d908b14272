package engine

import (
	"sync"

	"github.com/quarrydb/quarry/model"
)

// OpType tags a translog operation.
type OpType uint8

const (
	// OpIndex records an upsert.
	OpIndex OpType = iota + 1
	// OpDelete records a tombstone.
	OpDelete
)

// Operation is one durable write-ahead record.
type Operation struct {
	Type   OpType
	SeqNo  model.SeqNo
	ID     model.DocID
	Fields map[string]string
}

// Translog is the append-only write-ahead log consumed by the read-write
// engine. The read-only engine never touches one.
type Translog interface {
	// Add appends an operation. It must be durable (per the
	// implementation's guarantees) before returning.
	Add(op Operation) error
	// Replay invokes fn with every retained operation whose sequence
	// number is greater than after, in append order.
	Replay(after model.SeqNo, fn func(Operation) error) error
	// TrimBelow drops operations covered by a commit, i.e. with a
	// sequence number at or below seqNo.
	TrimBelow(seqNo model.SeqNo) error
	// LastSeqNo returns the highest sequence number ever appended, or
	// zero for an empty log.
	LastSeqNo() model.SeqNo
	Close() error
}

// MemoryTranslog keeps operations in memory. It provides the Translog
// ordering contract without durability; real deployments wire a persistent
// implementation.
type MemoryTranslog struct {
	mu   sync.Mutex
	ops  []Operation
	last model.SeqNo
}

// NewMemoryTranslog returns an empty in-memory translog.
func NewMemoryTranslog() *MemoryTranslog {
	return &MemoryTranslog{}
}

func (t *MemoryTranslog) Add(op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, op)
	if op.SeqNo > t.last {
		t.last = op.SeqNo
	}
	return nil
}

func (t *MemoryTranslog) Replay(after model.SeqNo, fn func(Operation) error) error {
	t.mu.Lock()
	ops := make([]Operation, len(t.ops))
	copy(ops, t.ops)
	t.mu.Unlock()

	for _, op := range ops {
		if op.SeqNo <= after {
			continue
		}
		if err := fn(op); err != nil {
			return err
		}
	}
	return nil
}

func (t *MemoryTranslog) TrimBelow(seqNo model.SeqNo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.ops[:0]
	for _, op := range t.ops {
		if op.SeqNo > seqNo {
			kept = append(kept, op)
		}
	}
	t.ops = kept
	return nil
}

func (t *MemoryTranslog) LastSeqNo() model.SeqNo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *MemoryTranslog) Close() error { return nil }

// Len returns the number of retained operations.
func (t *MemoryTranslog) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}
