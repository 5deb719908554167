// Package transaction provides the write-ahead log and the transaction
// manager that records BEGIN, COMMIT and ROLLBACK in it.
package transaction

import (
	"encoding/json"
	"fmt"
)

// RecordType is the kind of a WAL record.
type RecordType int

const (
	RecordBegin RecordType = iota + 1
	RecordCommit
	RecordRollback
)

var recordTags = map[RecordType]string{
	RecordBegin:    "Begin",
	RecordCommit:   "Commit",
	RecordRollback: "Rollback",
}

func (t RecordType) String() string {
	if tag, ok := recordTags[t]; ok {
		return tag
	}
	return fmt.Sprintf("RecordType(%d)", int(t))
}

// Record is one WAL entry. On disk it is encoded as {"Begin":{"tx_id":1}}.
type Record struct {
	Type RecordType
	TxID uint64
}

// BeginRecord marks the start of txID.
func BeginRecord(txID uint64) Record { return Record{Type: RecordBegin, TxID: txID} }

// CommitRecord marks txID as committed.
func CommitRecord(txID uint64) Record { return Record{Type: RecordCommit, TxID: txID} }

// RollbackRecord marks txID as aborted.
func RollbackRecord(txID uint64) Record { return Record{Type: RecordRollback, TxID: txID} }

func (r Record) String() string {
	return fmt.Sprintf("%s(%d)", r.Type, r.TxID)
}

type recordBody struct {
	TxID uint64 `json:"tx_id"`
}

// MarshalJSON encodes the record as a single-key tagged object.
func (r Record) MarshalJSON() ([]byte, error) {
	tag, ok := recordTags[r.Type]
	if !ok {
		return nil, fmt.Errorf("unknown record type %d", int(r.Type))
	}
	return json.Marshal(map[string]recordBody{tag: {TxID: r.TxID}})
}

// UnmarshalJSON decodes a tagged record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("record must have exactly one tag, got %d", len(tagged))
	}

	for tag, raw := range tagged {
		var typ RecordType
		for t, name := range recordTags {
			if name == tag {
				typ = t
			}
		}
		if typ == 0 {
			return fmt.Errorf("unknown record tag %q", tag)
		}

		var body struct {
			TxID *uint64 `json:"tx_id"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return fmt.Errorf("invalid %s record: %w", tag, err)
		}
		if body.TxID == nil {
			return fmt.Errorf("%s record missing tx_id", tag)
		}
		*r = Record{Type: typ, TxID: *body.TxID}
	}
	return nil
}
