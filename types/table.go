package types

import "strings"

// ColumnDefinition describes one column of a table schema.
type ColumnDefinition struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// IsIntegerType reports whether the declared type stores Integer values.
func (c ColumnDefinition) IsIntegerType() bool {
	switch strings.ToUpper(strings.TrimSpace(c.DataType)) {
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT":
		return true
	}
	return false
}

// Row is an ordered list of values matching a table's columns.
type Row []Value

// TableInfo is the table metadata.
type TableInfo struct {
	Name    string
	Columns []ColumnDefinition
}

// ColumnIndex returns the position of the named column, case-insensitively.
func (t TableInfo) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// TableData is a schema plus its rows.
type TableData struct {
	Info TableInfo
	Rows []Row
}

// NewTableData creates an empty table with the given schema.
func NewTableData(name string, columns ...ColumnDefinition) *TableData {
	return &TableData{
		Info: TableInfo{Name: name, Columns: columns},
		Rows: make([]Row, 0),
	}
}

// Clone returns a deep copy. Value payloads are immutable apart from Blob,
// which Blob() already copies on construction.
func (t *TableData) Clone() *TableData {
	if t == nil {
		return nil
	}
	out := &TableData{
		Info: TableInfo{
			Name:    t.Info.Name,
			Columns: append([]ColumnDefinition(nil), t.Info.Columns...),
		},
		Rows: make([]Row, len(t.Rows)),
	}
	for i, row := range t.Rows {
		out.Rows[i] = append(Row(nil), row...)
	}
	return out
}
