// Package engine wires the storage and transaction layers together over one
// data directory: it takes the directory lock, loads tables and indexes,
// replays the WAL to find where transaction IDs resume, and coordinates
// access to the unsynchronised FileStorage.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sausheong/sqlcore/internal/config"
	"github.com/sausheong/sqlcore/internal/lockfile"
	"github.com/sausheong/sqlcore/internal/logging"
	"github.com/sausheong/sqlcore/storage"
	"github.com/sausheong/sqlcore/transaction"
	"github.com/sausheong/sqlcore/types"
)

// Stats is a snapshot of every component's counters.
type Stats struct {
	Instance       string                     `json:"instance"`
	DataDir        string                     `json:"data_dir"`
	OpenedAt       time.Time                  `json:"opened_at"`
	Storage        storage.StorageStats       `json:"storage"`
	BufferPool     storage.BufferPoolStats    `json:"buffer_pool"`
	WAL            transaction.WALStats       `json:"wal"`
	Transactions   transaction.ManagerStats   `json:"transactions"`
	Recovery       transaction.RecoveryReport `json:"recovery"`
	Checkpoints    uint64                     `json:"checkpoints"`
	LastCheckpoint *time.Time                 `json:"last_checkpoint,omitempty"`
}

// Engine owns the buffer pool, file storage, WAL and transaction manager
// for one data directory.
type Engine struct {
	id       string
	cfg      *config.Config
	logger   zerolog.Logger
	openedAt time.Time
	lock     *lockfile.Lock

	// mu coordinates FileStorage callers; see View and Update.
	mu      sync.RWMutex
	storage *storage.FileStorage

	pool     *storage.BufferPool
	wal      *transaction.WriteAheadLog
	txns     *transaction.TransactionManager
	recovery transaction.RecoveryReport

	stateMu        sync.Mutex
	checkpoints    uint64
	lastCheckpoint time.Time
	closed         bool
}

// Open locks cfg.DataDir and brings every component up. In-flight
// transactions found in the WAL are logged as rolled back.
func Open(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, types.Wrap(types.KindExecution, err, "invalid configuration")
	}

	e := &Engine{
		id:       uuid.NewString(),
		cfg:      cfg,
		openedAt: time.Now(),
	}
	e.logger = logger.With().Str("instance", e.id).Logger()

	lock, err := lockfile.Acquire(cfg.DataDir, e.id)
	if err != nil {
		return nil, types.IOError(err, "failed to lock data directory")
	}
	e.lock = lock

	if err := e.open(); err != nil {
		e.abort()
		return nil, err
	}

	e.logger.Info().
		Str("path", cfg.DataDir).
		Int("tables", len(e.storage.TableNames())).
		Uint64("next_tx_id", e.txns.NextID()).
		Msg("engine opened")
	return e, nil
}

func (e *Engine) open() error {
	fs, err := storage.NewFileStorage(e.cfg.DataDir,
		storage.WithLogger(logging.Component(e.logger, "storage")),
		storage.WithIndexMaxKeys(e.cfg.IndexMaxKeys),
	)
	if err != nil {
		return err
	}
	e.storage = fs
	e.pool = storage.NewBufferPool(e.cfg.BufferPoolPages)

	walLogger := logging.Component(e.logger, "wal")
	wal, err := transaction.OpenWAL(e.cfg.WALPath(), transaction.WithWALLogger(walLogger))
	if err != nil {
		return err
	}
	e.wal = wal

	nextID, err := e.recover(walLogger)
	if err != nil {
		return err
	}

	e.txns = transaction.NewTransactionManager(wal,
		transaction.WithLogger(logging.Component(e.logger, "txn")),
		transaction.WithNextID(nextID),
	)
	return nil
}

// recover scans the WAL, closes transactions left open by a crash and
// returns the first transaction ID that is safe to hand out.
func (e *Engine) recover(logger zerolog.Logger) (uint64, error) {
	records, err := e.wal.ReadAll()
	if err != nil {
		return 0, err
	}
	e.recovery = transaction.Analyze(records)

	checkpointed, err := transaction.LoadCheckpoint(e.cfg.DataDir)
	if err != nil {
		return 0, err
	}

	for _, id := range e.recovery.InFlight {
		logger.Warn().Uint64("tx_id", id).Msg("rolling back transaction left open by previous run")
		if err := e.wal.Append(transaction.RollbackRecord(id)); err != nil {
			return 0, err
		}
	}

	logger.Debug().
		Int("records", e.recovery.Records).
		Int("committed", len(e.recovery.Committed)).
		Int("aborted", len(e.recovery.Aborted)).
		Int("in_flight", len(e.recovery.InFlight)).
		Msg("WAL analysed")

	return max(checkpointed, e.recovery.NextID(), 1), nil
}

// abort releases whatever a failed Open managed to acquire.
func (e *Engine) abort() {
	if e.wal != nil {
		e.wal.Close()
	}
	if e.lock != nil {
		e.lock.Release()
	}
}

// ID returns the unique identifier of this open engine.
func (e *Engine) ID() string {
	return e.id
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Storage returns the file storage. Callers that may run concurrently with
// other callers should go through View or Update instead.
func (e *Engine) Storage() *storage.FileStorage {
	return e.storage
}

// BufferPool returns the page cache.
func (e *Engine) BufferPool() *storage.BufferPool {
	return e.pool
}

// WAL returns the write-ahead log.
func (e *Engine) WAL() *transaction.WriteAheadLog {
	return e.wal
}

// Transactions returns the transaction manager.
func (e *Engine) Transactions() *transaction.TransactionManager {
	return e.txns
}

// Recovery returns the WAL analysis performed at open.
func (e *Engine) Recovery() transaction.RecoveryReport {
	return e.recovery
}

// View runs fn with shared access to storage. fn must not modify it.
func (e *Engine) View(fn func(*storage.FileStorage) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(e.storage)
}

// Update runs fn with exclusive access to storage.
func (e *Engine) Update(fn func(*storage.FileStorage) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.storage)
}

// Checkpoint writes every table and index, records the next transaction ID
// and empties the WAL. It is refused while any transaction is active.
func (e *Engine) Checkpoint() error {
	if err := e.ensureOpen(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var nextID uint64
	err := e.txns.Quiesce(func(next uint64) error {
		nextID = next
		if err := e.storage.Flush(); err != nil {
			return err
		}
		if err := e.storage.FlushIndexes(); err != nil {
			return err
		}
		if err := transaction.SaveCheckpoint(e.cfg.DataDir, next); err != nil {
			return err
		}
		return e.wal.Truncate()
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("checkpoint failed")
		return err
	}

	e.stateMu.Lock()
	e.checkpoints++
	e.lastCheckpoint = time.Now()
	e.stateMu.Unlock()

	e.logger.Info().Uint64("next_tx_id", nextID).Msg("checkpoint complete")
	return nil
}

// Stats collects counters from every component.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	storageStats := e.storage.Stats()
	e.mu.RUnlock()

	stats := Stats{
		Instance:     e.id,
		DataDir:      e.cfg.DataDir,
		OpenedAt:     e.openedAt,
		Storage:      storageStats,
		BufferPool:   e.pool.Stats(),
		WAL:          e.wal.Stats(),
		Transactions: e.txns.Stats(),
		Recovery:     e.recovery,
	}

	e.stateMu.Lock()
	stats.Checkpoints = e.checkpoints
	if !e.lastCheckpoint.IsZero() {
		last := e.lastCheckpoint
		stats.LastCheckpoint = &last
	}
	e.stateMu.Unlock()

	return stats
}

func (e *Engine) ensureOpen() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.closed {
		return types.NewError(types.KindExecution, "engine is closed")
	}
	return nil
}

// Close flushes storage, closes the WAL and releases the directory lock.
// Transactions still active are left for the next Open to roll back.
// Closing twice is a no-op.
func (e *Engine) Close() error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.stateMu.Unlock()

	if active := e.txns.ActiveIDs(); len(active) > 0 {
		e.logger.Warn().Uints64("tx_ids", active).Msg("closing with active transactions")
	}

	e.mu.Lock()
	flushErr := e.storage.Flush()
	if flushErr == nil {
		flushErr = e.storage.FlushIndexes()
	}
	e.mu.Unlock()

	walErr := e.wal.Close()
	lockErr := e.lock.Release()

	e.logger.Info().Msg("engine closed")

	switch {
	case flushErr != nil:
		return flushErr
	case walErr != nil:
		return walErr
	case lockErr != nil:
		return types.IOError(lockErr, "failed to release data directory lock")
	}
	return nil
}
