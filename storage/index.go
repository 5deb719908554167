package storage

import (
	"sort"

	"github.com/sausheong/sqlcore/storage/bplustree"
	"github.com/sausheong/sqlcore/types"
)

// CreateIndex builds a B+ tree over the integer column at columnIndex of
// table, keyed by column value with the row position as the value, and writes
// it to disk. An existing index on the same column is replaced.
//
// Only integer-typed columns can be indexed. Rows whose value in the column
// is not an Integer (NULL) are left out of the index.
func (fs *FileStorage) CreateIndex(table, column string, columnIndex int) error {
	data, ok := fs.tables[table]
	if !ok {
		return types.TableNotFound(table)
	}
	if columnIndex < 0 || columnIndex >= len(data.Info.Columns) {
		return types.NewError(types.KindColumnNotFound,
			"%s (index %d out of range for table %s)", column, columnIndex, table)
	}
	if def := data.Info.Columns[columnIndex]; !def.IsIntegerType() {
		return types.NewError(types.KindTypeMismatch,
			"cannot index column %s.%s of type %s", table, column, def.DataType)
	}

	key := IndexKey{Table: table, Column: column}
	tree := fs.buildIndex(data, columnIndex)
	if err := fs.saveIndex(key, tree); err != nil {
		return err
	}
	fs.indexes[key] = tree

	fs.logger.Info().
		Str("table", table).
		Str("column", column).
		Int("entries", tree.Len()).
		Msg("index created")
	return nil
}

func (fs *FileStorage) buildIndex(data *types.TableData, columnIndex int) *bplustree.BPlusTree {
	tree := bplustree.NewWithMaxKeys(fs.indexMaxKeys)
	for rowID, row := range data.Rows {
		if columnIndex >= len(row) {
			continue
		}
		if key, ok := row[columnIndex].AsInteger(); ok {
			tree.Insert(key, uint32(rowID))
		}
	}
	return tree
}

// HasIndex reports whether an index exists on table.column.
func (fs *FileStorage) HasIndex(table, column string) bool {
	_, ok := fs.indexes[IndexKey{Table: table, Column: column}]
	return ok
}

// GetIndex returns the index on table.column.
func (fs *FileStorage) GetIndex(table, column string) (*bplustree.BPlusTree, bool) {
	tree, ok := fs.indexes[IndexKey{Table: table, Column: column}]
	return tree, ok
}

// IndexNames returns every index, ordered by table then column.
func (fs *FileStorage) IndexNames() []IndexKey {
	keys := make([]IndexKey, 0, len(fs.indexes))
	for key := range fs.indexes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Table != keys[j].Table {
			return keys[i].Table < keys[j].Table
		}
		return keys[i].Column < keys[j].Column
	})
	return keys
}

// InsertWithIndex adds key -> rowID to the index on table.column and writes
// the index file. Without such an index it does nothing.
func (fs *FileStorage) InsertWithIndex(table, column string, key int64, rowID uint32) error {
	ik := IndexKey{Table: table, Column: column}
	tree, ok := fs.indexes[ik]
	if !ok {
		return nil
	}
	tree.Insert(key, rowID)
	return fs.saveIndex(ik, tree)
}

// DeleteFromIndex removes key from the index on table.column. It reports
// whether the key was present.
func (fs *FileStorage) DeleteFromIndex(table, column string, key int64) (bool, error) {
	ik := IndexKey{Table: table, Column: column}
	tree, ok := fs.indexes[ik]
	if !ok || !tree.Delete(key) {
		return false, nil
	}
	return true, fs.saveIndex(ik, tree)
}

// SearchIndex looks key up in the index on table.column.
func (fs *FileStorage) SearchIndex(table, column string, key int64) (uint32, bool) {
	tree, ok := fs.indexes[IndexKey{Table: table, Column: column}]
	if !ok {
		return 0, false
	}
	return tree.Search(key)
}

// RangeIndex returns the row IDs for keys in [start, end) in key order. A
// missing index yields an empty result.
func (fs *FileStorage) RangeIndex(table, column string, start, end int64) []uint32 {
	tree, ok := fs.indexes[IndexKey{Table: table, Column: column}]
	if !ok {
		return []uint32{}
	}
	return tree.RangeQuery(start, end)
}

// RebuildIndexes recomputes every index of table from its current rows.
// Row positions shift after deletes, so callers rebuild after UPDATE or
// DELETE rather than patching entries.
func (fs *FileStorage) RebuildIndexes(table string) error {
	data, ok := fs.tables[table]
	if !ok {
		return types.TableNotFound(table)
	}

	for _, key := range fs.IndexNames() {
		if key.Table != table {
			continue
		}
		columnIndex, found := data.Info.ColumnIndex(key.Column)
		if !found {
			return types.NewError(types.KindColumnNotFound, "%s.%s", table, key.Column)
		}
		tree := fs.buildIndex(data, columnIndex)
		if err := fs.saveIndex(key, tree); err != nil {
			return err
		}
		fs.indexes[key] = tree
	}
	return nil
}

// DropIndex removes the index and its file. Dropping an unknown index is not
// an error.
func (fs *FileStorage) DropIndex(table, column string) error {
	key := IndexKey{Table: table, Column: column}
	delete(fs.indexes, key)

	path := fs.indexPath(key)
	if err := removeFile(path); err != nil {
		return types.IOError(err, "failed to delete index file %s", path)
	}
	return nil
}

// FlushIndexes writes every index to disk.
func (fs *FileStorage) FlushIndexes() error {
	g := newFlushGroup()
	for key, tree := range fs.indexes {
		key, tree := key, tree
		g.Go(func() error {
			return fs.saveIndex(key, tree)
		})
	}
	return g.Wait()
}
