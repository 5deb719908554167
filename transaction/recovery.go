package transaction

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/sausheong/sqlcore/internal/fsutil"
	"github.com/sausheong/sqlcore/types"
)

// CheckpointFile holds the next transaction ID as 8 little-endian bytes.
const CheckpointFile = "txn_meta.dat"

// RecoveryReport is the result of scanning the WAL at startup.
type RecoveryReport struct {
	Records   int      `json:"records"`
	MaxTxID   uint64   `json:"max_tx_id"`
	Committed []uint64 `json:"committed"`
	Aborted   []uint64 `json:"aborted"`
	InFlight  []uint64 `json:"in_flight"` // began without a COMMIT or ROLLBACK
}

// NextID returns the first ID that does not appear in the log.
func (r RecoveryReport) NextID() uint64 {
	return r.MaxTxID + 1
}

// Analyze classifies every transaction mentioned in records by its last
// state. All ID lists are ascending.
func Analyze(records []Record) RecoveryReport {
	report := RecoveryReport{
		Records:   len(records),
		Committed: make([]uint64, 0),
		Aborted:   make([]uint64, 0),
		InFlight:  make([]uint64, 0),
	}

	states := make(map[uint64]RecordType)
	for _, rec := range records {
		if rec.TxID > report.MaxTxID {
			report.MaxTxID = rec.TxID
		}
		if rec.Type == RecordBegin {
			if _, seen := states[rec.TxID]; seen {
				continue
			}
		}
		states[rec.TxID] = rec.Type
	}

	for id, last := range states {
		switch last {
		case RecordBegin:
			report.InFlight = append(report.InFlight, id)
		case RecordCommit:
			report.Committed = append(report.Committed, id)
		case RecordRollback:
			report.Aborted = append(report.Aborted, id)
		}
	}
	for _, ids := range [][]uint64{report.Committed, report.Aborted, report.InFlight} {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return report
}

// LoadCheckpoint reads the next transaction ID saved by SaveCheckpoint. A
// missing file yields 0.
func LoadCheckpoint(dir string) (uint64, error) {
	path := filepath.Join(dir, CheckpointFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, types.IOError(err, "failed to read transaction metadata")
	}
	if len(data) < 8 {
		return 0, types.NewError(types.KindIO, "invalid transaction metadata file %s (%d bytes)", path, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// SaveCheckpoint records nextID in dir.
func SaveCheckpoint(dir string, nextID uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, nextID)

	if err := fsutil.WriteFileAtomic(filepath.Join(dir, CheckpointFile), data, 0644); err != nil {
		return types.IOError(err, "failed to write transaction metadata")
	}
	return nil
}
