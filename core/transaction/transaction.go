package transaction

import (
	"sync"
	"sync/atomic"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, operations are being applied
	TxnStatePrepared                          // Waiting for the caller's commit decision
	TxnStateCommitted                         // Committed; marked deletes may be applied
	TxnStateAborted                           // Aborted; marked deletes should be rolled back
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStatePrepared:
		return "prepared"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// WriteKind tags a tuple change recorded against a transaction.
type WriteKind int

const (
	WriteInsert WriteKind = iota
	WriteDelete
	WriteUpdate
)

// WriteRecord is one tuple change made under a transaction.
type WriteRecord struct {
	Kind  WriteKind
	RowID pagemanager.RowID
}

// Transaction is a pass-through handle. Storage code accepts a nil
// *Transaction everywhere; a non-nil one only collects the write set so the
// caller can apply or roll back marked deletes. There is no locking.
type Transaction struct {
	ID uint64

	mu     sync.Mutex
	state  TransactionState
	writes []WriteRecord
}

var nextID atomic.Uint64

// Begin starts a transaction with a process-unique id.
func Begin() *Transaction {
	return &Transaction{ID: nextID.Add(1), state: TxnStateRunning}
}

func (t *Transaction) State() TransactionState {
	if t == nil {
		return TxnStateRunning
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) SetState(state TransactionState) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// RecordWrite appends to the write set. It is a no-op on a nil transaction.
func (t *Transaction) RecordWrite(kind WriteKind, rid pagemanager.RowID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.writes = append(t.writes, WriteRecord{Kind: kind, RowID: rid})
	t.mu.Unlock()
}

// WriteSet returns a copy of the recorded writes in order.
func (t *Transaction) WriteSet() []WriteRecord {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]WriteRecord(nil), t.writes...)
}
