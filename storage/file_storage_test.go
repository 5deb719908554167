package storage

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sausheong/sqlcore/types"
)

func usersTable() *types.TableData {
	table := types.NewTableData("users",
		types.ColumnDefinition{Name: "id", DataType: "INTEGER"},
		types.ColumnDefinition{Name: "name", DataType: "TEXT", Nullable: true},
	)
	table.Rows = append(table.Rows,
		types.Row{types.Integer(1), types.Text("Alice")},
		types.Row{types.Integer(2), types.Text("Bob")},
	)
	return table
}

func newTestStorage(t *testing.T, dir string) *FileStorage {
	t.Helper()
	fs, err := NewFileStorage(dir)
	require.NoError(t, err)
	return fs
}

func TestFileStorage_EmptyDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	fs := newTestStorage(t, dir)

	assert.DirExists(t, dir)
	assert.Empty(t, fs.TableNames())
	assert.False(t, fs.ContainsTable("anything"))
	_, ok := fs.GetTable("anything")
	assert.False(t, ok)

	assert.NoError(t, fs.Flush())
	assert.NoError(t, fs.FlushIndexes())
}

func TestFileStorage_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	fs := newTestStorage(t, dir)
	require.NoError(t, fs.InsertTable("users", usersTable()))
	assert.FileExists(t, filepath.Join(dir, "users.json"))

	reopened := newTestStorage(t, dir)
	table, ok := reopened.GetTable("users")
	require.True(t, ok)
	assert.Equal(t, "users", table.Info.Name)
	assert.Equal(t, usersTable().Info.Columns, table.Info.Columns)
	require.Len(t, table.Rows, 2)
	assert.True(t, table.Rows[1][1].Equal(types.Text("Bob")))
}

func TestFileStorage_TableFileFormat(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)

	table := types.NewTableData("t", types.ColumnDefinition{Name: "id", DataType: "INTEGER"})
	table.Rows = append(table.Rows, types.Row{types.Integer(7)}, types.Row{types.Null()})
	require.NoError(t, fs.InsertTable("t", table))

	raw, err := os.ReadFile(filepath.Join(dir, "t.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"name": "t",
		"columns": [{"name": "id", "data_type": "INTEGER", "nullable": false}],
		"rows": [[{"Integer": 7}], ["Null"]]
	}`, string(raw))
}

func TestFileStorage_AllValueKindsSurviveReload(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)

	table := types.NewTableData("kinds",
		types.ColumnDefinition{Name: "a", DataType: "ANY", Nullable: true})
	values := []types.Value{
		types.Null(), types.Boolean(true), types.Integer(-9),
		types.Float(2.5), types.Text("x"), types.Blob([]byte{0, 1, 255}),
	}
	for _, v := range values {
		table.Rows = append(table.Rows, types.Row{v})
	}
	require.NoError(t, fs.InsertTable("kinds", table))

	loaded, ok := newTestStorage(t, dir).GetTable("kinds")
	require.True(t, ok)
	require.Len(t, loaded.Rows, len(values))
	for i, v := range values {
		assert.True(t, v.Equal(loaded.Rows[i][0]), "row %d: %s != %s", i, v, loaded.Rows[i][0])
	}
}

func TestFileStorage_NonFiniteFloatsPersist(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)

	table := types.NewTableData("readings",
		types.ColumnDefinition{Name: "v", DataType: "FLOAT"})
	for _, f := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		table.Rows = append(table.Rows, types.Row{types.Float(f)})
	}
	require.NoError(t, fs.InsertTable("readings", table))

	loaded, ok := newTestStorage(t, dir).GetTable("readings")
	require.True(t, ok)
	require.Len(t, loaded.Rows, 3)

	posInf, _ := loaded.Rows[0][0].AsFloat()
	negInf, _ := loaded.Rows[1][0].AsFloat()
	nan, _ := loaded.Rows[2][0].AsFloat()
	assert.True(t, math.IsInf(posInf, 1))
	assert.True(t, math.IsInf(negInf, -1))
	assert.True(t, math.IsNaN(nan))
}

func TestFileStorage_GetTableReturnsCopy(t *testing.T) {
	fs := newTestStorage(t, t.TempDir())
	require.NoError(t, fs.InsertTable("users", usersTable()))

	copied, ok := fs.GetTable("users")
	require.True(t, ok)
	copied.Rows = append(copied.Rows, types.Row{types.Integer(3), types.Text("Eve")})
	copied.Rows[0][1] = types.Text("changed")

	fresh, _ := fs.GetTable("users")
	assert.Len(t, fresh.Rows, 2)
	assert.True(t, fresh.Rows[0][1].Equal(types.Text("Alice")))
}

func TestFileStorage_GetTableMutAndPersist(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)
	require.NoError(t, fs.InsertTable("users", usersTable()))

	live, ok := fs.GetTableMut("users")
	require.True(t, ok)
	live.Rows = append(live.Rows, types.Row{types.Integer(3), types.Text("Carol")})

	table, _ := fs.GetTable("users")
	assert.Len(t, table.Rows, 3)

	// Not yet written.
	onDisk, _ := newTestStorage(t, dir).GetTable("users")
	assert.Len(t, onDisk.Rows, 2)

	require.NoError(t, fs.PersistTable("users"))
	onDisk, _ = newTestStorage(t, dir).GetTable("users")
	assert.Len(t, onDisk.Rows, 3)

	assert.NoError(t, fs.PersistTable("missing"))
}

func TestFileStorage_InsertTableCopiesInput(t *testing.T) {
	fs := newTestStorage(t, t.TempDir())
	input := usersTable()
	require.NoError(t, fs.InsertTable("users", input))

	input.Rows = nil
	table, _ := fs.GetTable("users")
	assert.Len(t, table.Rows, 2)

	assert.Error(t, fs.InsertTable("nil", nil))
}

func TestFileStorage_FlushWritesAllTables(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)

	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, fs.InsertTable(name, types.NewTableData(name,
			types.ColumnDefinition{Name: "id", DataType: "INTEGER"})))
		live, _ := fs.GetTableMut(name)
		live.Rows = append(live.Rows, types.Row{types.Integer(1)})
	}
	require.NoError(t, fs.Flush())

	reopened := newTestStorage(t, dir)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, reopened.TableNames())
	for _, name := range reopened.TableNames() {
		table, _ := reopened.GetTable(name)
		assert.Len(t, table.Rows, 1, name)
	}
	assert.Equal(t, StorageStats{Tables: 6, Rows: 6}, reopened.Stats())
}

func TestFileStorage_ContainsAndDrop(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)
	require.NoError(t, fs.InsertTable("users", usersTable()))
	require.NoError(t, fs.CreateIndex("users", "id", 0))

	assert.True(t, fs.ContainsTable("users"))
	assert.Contains(t, fs.TableNames(), "users")

	require.NoError(t, fs.DropTable("users"))
	assert.False(t, fs.ContainsTable("users"))
	assert.False(t, fs.HasIndex("users", "id"))
	assert.NoFileExists(t, filepath.Join(dir, "users.json"))
	assert.NoFileExists(t, filepath.Join(dir, "users_idx_id.json"))

	assert.NoError(t, fs.DropTable("users"))
	assert.False(t, newTestStorage(t, dir).ContainsTable("users"))
}

func TestFileStorage_CorruptTableSkipped(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)
	require.NoError(t, fs.InsertTable("users", usersTable()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	var logs bytes.Buffer
	reopened, err := NewFileStorage(dir, WithLogger(zerolog.New(&logs)))
	require.NoError(t, err)

	assert.Equal(t, []string{"users"}, reopened.TableNames())
	assert.Contains(t, logs.String(), "broken.json")
	assert.Contains(t, logs.String(), `"level":"warn"`)
}

func TestFileStorage_ForeignJSONSkipped(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"settings.json": `{"theme":"dark"}`,
		"nameless.json": `{"columns":[{"name":"id","data_type":"INTEGER","nullable":false}],"rows":[]}`,
		"bare.json":     `{"name":"bare","columns":[],"rows":[]}`,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}

	var logs bytes.Buffer
	fs, err := NewFileStorage(dir, WithLogger(zerolog.New(&logs)))
	require.NoError(t, err)
	assert.Empty(t, fs.TableNames())
	assert.Contains(t, logs.String(), "settings.json")

	require.NoError(t, fs.Flush())
	raw, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"theme":"dark"}`, string(raw))
}

func TestFileStorage_OrphanIndexFileLeftIntact(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)
	require.NoError(t, fs.InsertTable("users", usersTable()))
	require.NoError(t, fs.CreateIndex("users", "id", 0))

	indexPath := filepath.Join(dir, "users_idx_id.json")
	before, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json"), []byte("{truncated"), 0644))

	var logs bytes.Buffer
	reopened, err := NewFileStorage(dir, WithLogger(zerolog.New(&logs)))
	require.NoError(t, err)
	assert.Empty(t, reopened.TableNames())
	assert.Empty(t, reopened.IndexNames())
	assert.Contains(t, logs.String(), "skipping index file with no matching table")

	require.NoError(t, reopened.Flush())
	require.NoError(t, reopened.FlushIndexes())

	after, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFileStorage_CreateIndexAndSearch(t *testing.T) {
	fs := newTestStorage(t, t.TempDir())
	table := types.NewTableData("idx_test",
		types.ColumnDefinition{Name: "id", DataType: "INTEGER"},
		types.ColumnDefinition{Name: "value", DataType: "INTEGER"},
	)
	table.Rows = append(table.Rows,
		types.Row{types.Integer(1), types.Integer(100)},
		types.Row{types.Integer(2), types.Integer(200)},
	)
	require.NoError(t, fs.InsertTable("idx_test", table))
	require.NoError(t, fs.CreateIndex("idx_test", "id", 0))

	assert.True(t, fs.HasIndex("idx_test", "id"))
	assert.False(t, fs.HasIndex("idx_test", "value"))

	rowID, ok := fs.SearchIndex("idx_test", "id", 1)
	require.True(t, ok)
	assert.Equal(t, uint32(0), rowID)

	assert.Equal(t, []uint32{0, 1}, fs.RangeIndex("idx_test", "id", 1, 3))

	require.NoError(t, fs.InsertWithIndex("idx_test", "id", 3, 2))
	rowID, ok = fs.SearchIndex("idx_test", "id", 3)
	require.True(t, ok)
	assert.Equal(t, uint32(2), rowID)

	index, ok := fs.GetIndex("idx_test", "id")
	require.True(t, ok)
	assert.Equal(t, 3, index.Len())

	require.NoError(t, fs.DropIndex("idx_test", "id"))
	assert.False(t, fs.HasIndex("idx_test", "id"))
	assert.NoError(t, fs.DropIndex("idx_test", "id"))
	assert.NoError(t, fs.FlushIndexes())
}

func TestFileStorage_IndexSearchOnEmptyTable(t *testing.T) {
	fs := newTestStorage(t, t.TempDir())
	require.NoError(t, fs.InsertTable("search_test", types.NewTableData("search_test",
		types.ColumnDefinition{Name: "id", DataType: "INTEGER"})))
	require.NoError(t, fs.CreateIndex("search_test", "id", 0))

	require.NoError(t, fs.InsertWithIndex("search_test", "id", 10, 0))
	require.NoError(t, fs.InsertWithIndex("search_test", "id", 20, 1))

	rowID, ok := fs.SearchIndex("search_test", "id", 10)
	require.True(t, ok)
	assert.Equal(t, uint32(0), rowID)

	assert.Equal(t, []uint32{0}, fs.RangeIndex("search_test", "id", 5, 15))
	assert.Empty(t, fs.RangeIndex("search_test", "id", 100, 200))
}

func TestFileStorage_IndexOperationsWithoutIndex(t *testing.T) {
	fs := newTestStorage(t, t.TempDir())
	require.NoError(t, fs.InsertTable("users", usersTable()))

	assert.NoError(t, fs.InsertWithIndex("users", "id", 1, 0))
	_, ok := fs.SearchIndex("users", "id", 1)
	assert.False(t, ok)
	assert.Empty(t, fs.RangeIndex("users", "id", 0, 10))
	_, ok = fs.GetIndex("users", "id")
	assert.False(t, ok)

	removed, err := fs.DeleteFromIndex("users", "id", 1)
	assert.NoError(t, err)
	assert.False(t, removed)
}

func TestFileStorage_CreateIndexErrors(t *testing.T) {
	fs := newTestStorage(t, t.TempDir())
	require.NoError(t, fs.InsertTable("users", usersTable()))

	err := fs.CreateIndex("missing", "id", 0)
	assert.True(t, types.IsKind(err, types.KindTableNotFound))
	assert.Equal(t, "Table not found: missing", err.Error())

	err = fs.CreateIndex("users", "id", 5)
	assert.True(t, types.IsKind(err, types.KindColumnNotFound))

	err = fs.CreateIndex("users", "name", 1)
	assert.True(t, types.IsKind(err, types.KindTypeMismatch))
	assert.False(t, fs.HasIndex("users", "name"))
}

func TestFileStorage_CreateIndexSkipsNulls(t *testing.T) {
	fs := newTestStorage(t, t.TempDir())
	table := types.NewTableData("scores",
		types.ColumnDefinition{Name: "score", DataType: "BIGINT", Nullable: true})
	table.Rows = append(table.Rows,
		types.Row{types.Integer(5)},
		types.Row{types.Null()},
		types.Row{types.Integer(9)},
		types.Row{},
	)
	require.NoError(t, fs.InsertTable("scores", table))
	require.NoError(t, fs.CreateIndex("scores", "score", 0))

	index, _ := fs.GetIndex("scores", "score")
	assert.Equal(t, []int64{5, 9}, index.Keys())
	rowID, _ := fs.SearchIndex("scores", "score", 9)
	assert.Equal(t, uint32(2), rowID)
}

func TestFileStorage_IndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)

	table := types.NewTableData("nums", types.ColumnDefinition{Name: "n", DataType: "INT"})
	for i := 0; i < 50; i++ {
		table.Rows = append(table.Rows, types.Row{types.Integer(int64(i * 10))})
	}
	require.NoError(t, fs.InsertTable("nums", table))
	require.NoError(t, fs.CreateIndex("nums", "n", 0))

	raw, err := os.ReadFile(filepath.Join(dir, "nums_idx_n.json"))
	require.NoError(t, err)
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "max_keys")
	assert.Contains(t, decoded, "root")

	reopened := newTestStorage(t, dir)
	require.True(t, reopened.HasIndex("nums", "n"))
	assert.Equal(t, []IndexKey{{Table: "nums", Column: "n"}}, reopened.IndexNames())

	for i := 0; i < 50; i++ {
		rowID, ok := reopened.SearchIndex("nums", "n", int64(i*10))
		require.True(t, ok)
		assert.Equal(t, uint32(i), rowID)
	}
	assert.Equal(t, []uint32{2, 3, 4}, reopened.RangeIndex("nums", "n", 20, 50))
}

func TestFileStorage_CorruptIndexSkipped(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)
	require.NoError(t, fs.InsertTable("users", usersTable()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users_idx_id.json"),
		[]byte(`{"root":{"Leaf":{"keys":[3,1],"values":[0,1]}}}`), 0644))

	var logs bytes.Buffer
	reopened, err := NewFileStorage(dir, WithLogger(zerolog.New(&logs)))
	require.NoError(t, err)

	assert.True(t, reopened.ContainsTable("users"))
	assert.False(t, reopened.HasIndex("users", "id"))
	assert.Contains(t, logs.String(), "users_idx_id.json")
}

func TestFileStorage_TableNameContainingIndexSeparator(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)
	require.NoError(t, fs.InsertTable("log_idx_archive", types.NewTableData("log_idx_archive",
		types.ColumnDefinition{Name: "id", DataType: "INTEGER"})))

	reopened := newTestStorage(t, dir)
	assert.True(t, reopened.ContainsTable("log_idx_archive"))
	assert.Empty(t, reopened.IndexNames())
}

func TestFileStorage_DeleteFromIndex(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)
	require.NoError(t, fs.InsertTable("users", usersTable()))
	require.NoError(t, fs.CreateIndex("users", "id", 0))

	removed, err := fs.DeleteFromIndex("users", "id", 1)
	require.NoError(t, err)
	assert.True(t, removed)

	reopened := newTestStorage(t, dir)
	_, ok := reopened.SearchIndex("users", "id", 1)
	assert.False(t, ok)
	_, ok = reopened.SearchIndex("users", "id", 2)
	assert.True(t, ok)
}

func TestFileStorage_RebuildIndexes(t *testing.T) {
	fs := newTestStorage(t, t.TempDir())
	require.NoError(t, fs.InsertTable("users", usersTable()))
	require.NoError(t, fs.CreateIndex("users", "id", 0))

	live, _ := fs.GetTableMut("users")
	live.Rows = live.Rows[1:]
	live.Rows = append(live.Rows, types.Row{types.Integer(42), types.Text("Dan")})
	require.NoError(t, fs.PersistTable("users"))
	require.NoError(t, fs.RebuildIndexes("users"))

	_, ok := fs.SearchIndex("users", "id", 1)
	assert.False(t, ok)
	rowID, ok := fs.SearchIndex("users", "id", 2)
	require.True(t, ok)
	assert.Equal(t, uint32(0), rowID)
	rowID, ok = fs.SearchIndex("users", "id", 42)
	require.True(t, ok)
	assert.Equal(t, uint32(1), rowID)

	assert.True(t, types.IsKind(fs.RebuildIndexes("missing"), types.KindTableNotFound))
}

func TestFileStorage_IndexMaxKeysOption(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir(), WithIndexMaxKeys(16))
	require.NoError(t, err)

	table := types.NewTableData("t", types.ColumnDefinition{Name: "id", DataType: "INTEGER"})
	for i := 0; i < 10; i++ {
		table.Rows = append(table.Rows, types.Row{types.Integer(int64(i))})
	}
	require.NoError(t, fs.InsertTable("t", table))
	require.NoError(t, fs.CreateIndex("t", "id", 0))

	index, _ := fs.GetIndex("t", "id")
	assert.Equal(t, 16, index.MaxKeys())
	assert.True(t, index.IsLeafRoot())
}

func TestFileStorage_WriteFailureIsIOError(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStorage(t, dir)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("now a file"), 0644))

	err := fs.InsertTable("users", usersTable())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindIO))
	assert.Contains(t, err.Error(), "I/O error")
}
