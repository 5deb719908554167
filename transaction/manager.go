package transaction

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sausheong/sqlcore/types"
)

// Transaction states
type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	}
	return fmt.Sprintf("TxState(%d)", int(s))
}

// Causes carried by KindTransaction errors.
var (
	ErrTxNotFound  = errors.New("transaction not found")
	ErrTxNotActive = errors.New("transaction not active")
	ErrTxActive    = errors.New("transactions still active")
)

// Log is the part of the write-ahead log the manager needs.
type Log interface {
	Append(Record) error
}

// Transaction is an in-flight transaction.
type Transaction struct {
	ID        uint64
	State     TxState
	Snapshot  []uint64 // IDs active at BEGIN, ascending
	StartedAt time.Time
}

// ManagerStats summarises transaction activity since the manager started.
type ManagerStats struct {
	Active     int    `json:"active"`
	NextID     uint64 `json:"next_id"`
	Begun      uint64 `json:"begun"`
	Committed  uint64 `json:"committed"`
	RolledBack uint64 `json:"rolled_back"`
}

// TransactionManager hands out transaction IDs and logs every state change
// to the WAL before acknowledging it. Finished transactions are forgotten.
type TransactionManager struct {
	mu         sync.Mutex
	nextID     uint64
	active     map[uint64]*Transaction
	wal        Log
	logger     zerolog.Logger
	begun      uint64
	committed  uint64
	rolledBack uint64
}

// ManagerOption configures a TransactionManager.
type ManagerOption func(*TransactionManager)

// WithLogger sets the manager's logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(tm *TransactionManager) {
		tm.logger = logger
	}
}

// WithNextID sets the first ID the manager hands out. Values below 1 are
// ignored.
func WithNextID(id uint64) ManagerOption {
	return func(tm *TransactionManager) {
		if id > 0 {
			tm.nextID = id
		}
	}
}

// NewTransactionManager creates a manager that logs to wal. IDs start at 1
// unless WithNextID says otherwise.
func NewTransactionManager(wal Log, opts ...ManagerOption) *TransactionManager {
	tm := &TransactionManager{
		nextID: 1,
		active: make(map[uint64]*Transaction),
		wal:    wal,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// Begin starts a transaction and returns its ID once the BEGIN record is
// durable. The ID and the snapshot of active IDs are taken under the same
// lock, so no concurrent BEGIN can observe a half-registered transaction.
func (tm *TransactionManager) Begin() (uint64, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	id := tm.nextID
	tm.nextID++

	snapshot := tm.activeIDsLocked()
	if err := tm.wal.Append(BeginRecord(id)); err != nil {
		return 0, err
	}

	tm.active[id] = &Transaction{
		ID:        id,
		State:     TxActive,
		Snapshot:  snapshot,
		StartedAt: time.Now(),
	}
	tm.begun++

	tm.logger.Debug().Uint64("tx_id", id).Int("snapshot", len(snapshot)).Msg("transaction started")
	return id, nil
}

// Commit logs COMMIT for id and stops tracking it.
func (tm *TransactionManager) Commit(id uint64) error {
	return tm.finish(id, CommitRecord(id), TxCommitted)
}

// Rollback logs ROLLBACK for id and stops tracking it.
func (tm *TransactionManager) Rollback(id uint64) error {
	return tm.finish(id, RollbackRecord(id), TxAborted)
}

func (tm *TransactionManager) finish(id uint64, rec Record, state TxState) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tx, ok := tm.active[id]
	if !ok {
		return txError(ErrTxNotFound, "transaction %d not found", id)
	}
	if tx.State != TxActive {
		return txError(ErrTxNotActive, "transaction %d is %s", id, tx.State)
	}

	// The transaction stays active if the record cannot be written.
	if err := tm.wal.Append(rec); err != nil {
		return err
	}

	tx.State = state
	delete(tm.active, id)
	if state == TxCommitted {
		tm.committed++
	} else {
		tm.rolledBack++
	}

	tm.logger.Debug().Uint64("tx_id", id).Str("state", state.String()).Msg("transaction finished")
	return nil
}

func txError(cause error, format string, args ...interface{}) error {
	return &types.Error{
		Kind:    types.KindTransaction,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Quiesce runs fn while no transaction can begin or finish. It refuses to
// run fn while any transaction is active. fn receives the next ID to be
// handed out.
func (tm *TransactionManager) Quiesce(fn func(nextID uint64) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if n := len(tm.active); n > 0 {
		return txError(ErrTxActive, "%d transaction(s) still active", n)
	}
	return fn(tm.nextID)
}

// GetState returns the state of a tracked transaction. Only active
// transactions are tracked.
func (tm *TransactionManager) GetState(id uint64) (TxState, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tx, ok := tm.active[id]
	if !ok {
		return 0, false
	}
	return tx.State, true
}

// IsActive reports whether id is an active transaction.
func (tm *TransactionManager) IsActive(id uint64) bool {
	state, ok := tm.GetState(id)
	return ok && state == TxActive
}

// Snapshot returns the IDs that were active when id began.
func (tm *TransactionManager) Snapshot(id uint64) ([]uint64, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tx, ok := tm.active[id]
	if !ok {
		return nil, false
	}
	return append([]uint64{}, tx.Snapshot...), true
}

// ActiveIDs returns the active transaction IDs in ascending order.
func (tm *TransactionManager) ActiveIDs() []uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.activeIDsLocked()
}

func (tm *TransactionManager) activeIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(tm.active))
	for id := range tm.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NextID returns the ID the next Begin will use.
func (tm *TransactionManager) NextID() uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.nextID
}

// Stats returns counters for the manager.
func (tm *TransactionManager) Stats() ManagerStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	return ManagerStats{
		Active:     len(tm.active),
		NextID:     tm.nextID,
		Begun:      tm.begun,
		Committed:  tm.committed,
		RolledBack: tm.rolledBack,
	}
}
