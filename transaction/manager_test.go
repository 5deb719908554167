package transaction

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sausheong/sqlcore/types"
)

// failingLog accepts records until fail is set.
type failingLog struct {
	mu      sync.Mutex
	records []Record
	fail    bool
}

func (l *failingLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return types.IOError(errors.New("disk full"), "failed to append WAL record %s", rec)
	}
	l.records = append(l.records, rec)
	return nil
}

func newTestManager(t *testing.T) (*TransactionManager, *WriteAheadLog) {
	t.Helper()
	wal := openTestWAL(t)
	return NewTransactionManager(wal), wal
}

func TestManager_Begin(t *testing.T) {
	tm, _ := newTestManager(t)

	id, err := tm.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.True(t, tm.IsActive(1))

	state, ok := tm.GetState(1)
	require.True(t, ok)
	assert.Equal(t, TxActive, state)
	assert.Equal(t, "active", state.String())
}

func TestManager_Commit(t *testing.T) {
	tm, _ := newTestManager(t)

	id, err := tm.Begin()
	require.NoError(t, err)
	require.NoError(t, tm.Commit(id))

	assert.False(t, tm.IsActive(id))
	_, ok := tm.GetState(id)
	assert.False(t, ok)
}

func TestManager_Rollback(t *testing.T) {
	tm, _ := newTestManager(t)

	id, err := tm.Begin()
	require.NoError(t, err)
	require.NoError(t, tm.Rollback(id))
	assert.False(t, tm.IsActive(id))
}

func TestManager_WALScenario(t *testing.T) {
	tm, wal := newTestManager(t)

	first, err := tm.Begin()
	require.NoError(t, err)
	second, err := tm.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)

	require.NoError(t, tm.Commit(1))

	records, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []Record{BeginRecord(1), BeginRecord(2), CommitRecord(1)}, records)
	assert.Equal(t, []uint64{2}, tm.ActiveIDs())
}

func TestManager_EveryTransactionLogsTwoRecords(t *testing.T) {
	tm, wal := newTestManager(t)

	const n = 25
	for i := 0; i < n; i++ {
		id, err := tm.Begin()
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, tm.Commit(id))
		} else {
			require.NoError(t, tm.Rollback(id))
		}
	}

	records, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 2*n)

	stats := tm.Stats()
	assert.Equal(t, uint64(n), stats.Begun)
	assert.Equal(t, uint64(13), stats.Committed)
	assert.Equal(t, uint64(12), stats.RolledBack)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, uint64(n+1), stats.NextID)
}

func TestManager_DoubleFinishFails(t *testing.T) {
	tm, wal := newTestManager(t)

	id, err := tm.Begin()
	require.NoError(t, err)
	require.NoError(t, tm.Commit(id))

	err = tm.Commit(id)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransaction))
	assert.ErrorIs(t, err, ErrTxNotFound)

	err = tm.Rollback(id)
	assert.ErrorIs(t, err, ErrTxNotFound)

	records, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 2, "failed operations must not be logged")
}

func TestManager_UnknownIDFails(t *testing.T) {
	tm, _ := newTestManager(t)

	err := tm.Commit(99)
	assert.ErrorIs(t, err, ErrTxNotFound)
	assert.Equal(t, "Transaction error: transaction 99 not found", err.Error())

	assert.ErrorIs(t, tm.Rollback(99), ErrTxNotFound)
}

func TestManager_Snapshot(t *testing.T) {
	tm, _ := newTestManager(t)

	a, _ := tm.Begin()
	b, _ := tm.Begin()
	require.NoError(t, tm.Commit(a))
	c, _ := tm.Begin()

	snap, ok := tm.Snapshot(b)
	require.True(t, ok)
	assert.Equal(t, []uint64{a}, snap)

	snap, ok = tm.Snapshot(c)
	require.True(t, ok)
	assert.Equal(t, []uint64{b}, snap)

	_, ok = tm.Snapshot(a)
	assert.False(t, ok)
}

func TestManager_WithNextID(t *testing.T) {
	tm := NewTransactionManager(&failingLog{}, WithNextID(40))
	id, err := tm.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(40), id)
	assert.Equal(t, uint64(41), tm.NextID())

	tm = NewTransactionManager(&failingLog{}, WithNextID(0))
	assert.Equal(t, uint64(1), tm.NextID())
}

func TestManager_AppendFailureKeepsTransactionActive(t *testing.T) {
	log := &failingLog{}
	tm := NewTransactionManager(log)

	id, err := tm.Begin()
	require.NoError(t, err)

	log.fail = true
	err = tm.Commit(id)
	assert.True(t, types.IsKind(err, types.KindIO))
	assert.True(t, tm.IsActive(id))

	_, err = tm.Begin()
	assert.True(t, types.IsKind(err, types.KindIO))
	assert.Equal(t, []uint64{id}, tm.ActiveIDs())

	log.fail = false
	require.NoError(t, tm.Rollback(id))
	assert.Empty(t, tm.ActiveIDs())

	// The ID consumed by the failed Begin is never reused.
	next, err := tm.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)
}

func TestManager_ConcurrentBeginUniqueIDs(t *testing.T) {
	tm, wal := newTestManager(t)

	const workers, perWorker = 8, 20
	ids := make(chan uint64, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := tm.Begin()
				if err != nil {
					t.Error(err)
					return
				}
				ids <- id
				if err := tm.Commit(id); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)

	records, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 2*workers*perWorker)

	// Every BEGIN precedes its COMMIT in the log.
	began := make(map[uint64]bool)
	for _, rec := range records {
		switch rec.Type {
		case RecordBegin:
			began[rec.TxID] = true
		case RecordCommit:
			assert.True(t, began[rec.TxID], "commit before begin for %d", rec.TxID)
		}
	}
}

func TestManager_ResumesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	wal, err := OpenWAL(path)
	require.NoError(t, err)

	tm := NewTransactionManager(wal)
	for i := 0; i < 3; i++ {
		id, err := tm.Begin()
		require.NoError(t, err)
		require.NoError(t, tm.Commit(id))
	}
	require.NoError(t, wal.Close())

	wal, err = OpenWAL(path)
	require.NoError(t, err)
	defer wal.Close()

	records, err := wal.ReadAll()
	require.NoError(t, err)
	report := Analyze(records)

	tm = NewTransactionManager(wal, WithNextID(report.NextID()))
	id, err := tm.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
}

func TestManager_Quiesce(t *testing.T) {
	tm, _ := newTestManager(t)

	id, err := tm.Begin()
	require.NoError(t, err)

	called := false
	err = tm.Quiesce(func(uint64) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrTxActive)
	assert.True(t, types.IsKind(err, types.KindTransaction))
	assert.False(t, called)

	require.NoError(t, tm.Commit(id))

	var seen uint64
	require.NoError(t, tm.Quiesce(func(next uint64) error {
		seen = next
		return nil
	}))
	assert.Equal(t, uint64(2), seen)

	boom := errors.New("boom")
	assert.ErrorIs(t, tm.Quiesce(func(uint64) error { return boom }), boom)
}
