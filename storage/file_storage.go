package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sausheong/sqlcore/internal/fsutil"
	"github.com/sausheong/sqlcore/storage/bplustree"
	"github.com/sausheong/sqlcore/types"
)

const (
	tableFileExt   = ".json"
	indexSeparator = "_idx_"
	flushWorkers   = 4
	filePerm       = 0644
)

// IndexKey identifies a secondary index.
type IndexKey struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

func (k IndexKey) String() string {
	return k.Table + "." + k.Column
}

// tableFile is the on-disk layout of <table>.json.
type tableFile struct {
	Name    string                   `json:"name"`
	Columns []types.ColumnDefinition `json:"columns"`
	Rows    []types.Row              `json:"rows"`
}

// StorageStats summarises what FileStorage holds in memory.
type StorageStats struct {
	Tables  int `json:"tables"`
	Indexes int `json:"indexes"`
	Rows    int `json:"rows"`
}

// FileStorage keeps every table and index in memory and mirrors each one to
// its own JSON file in the data directory. Writes are write-through.
//
// FileStorage is not safe for concurrent use; callers coordinate access
// (engine.Engine wraps it in a read/write lock).
type FileStorage struct {
	dataDir      string
	tables       map[string]*types.TableData
	indexes      map[IndexKey]*bplustree.BPlusTree
	indexMaxKeys int
	logger       zerolog.Logger
}

// Option configures a FileStorage.
type Option func(*FileStorage)

// WithLogger sets the logger used for load warnings and write failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(fs *FileStorage) {
		fs.logger = logger
	}
}

// WithIndexMaxKeys sets the node fanout of newly created indexes. Indexes
// loaded from disk keep the fanout they were saved with.
func WithIndexMaxKeys(maxKeys int) Option {
	return func(fs *FileStorage) {
		fs.indexMaxKeys = maxKeys
	}
}

// NewFileStorage creates the data directory if needed and loads every table
// and index file found in it. Files that cannot be decoded are skipped and
// logged.
func NewFileStorage(dataDir string, opts ...Option) (*FileStorage, error) {
	fs := &FileStorage{
		dataDir:      dataDir,
		tables:       make(map[string]*types.TableData),
		indexes:      make(map[IndexKey]*bplustree.BPlusTree),
		indexMaxKeys: bplustree.DefaultMaxKeys,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(fs)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, types.IOError(err, "failed to create data directory %s", dataDir)
	}

	if err := fs.loadAll(); err != nil {
		return nil, err
	}

	fs.logger.Debug().
		Str("path", dataDir).
		Int("tables", len(fs.tables)).
		Int("indexes", len(fs.indexes)).
		Msg("file storage loaded")

	return fs, nil
}

// DataDir returns the directory holding the table and index files.
func (fs *FileStorage) DataDir() string {
	return fs.dataDir
}

func (fs *FileStorage) tablePath(table string) string {
	return filepath.Join(fs.dataDir, table+tableFileExt)
}

func (fs *FileStorage) indexPath(key IndexKey) string {
	return filepath.Join(fs.dataDir, key.Table+indexSeparator+key.Column+tableFileExt)
}

// loadAll reads tables first, then index files. A file whose name looks like
// an index but whose table prefix is unknown is kept only if it decodes as a
// table, so table names containing "_idx_" still load while orphaned index
// files are skipped untouched.
func (fs *FileStorage) loadAll() error {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return types.IOError(err, "failed to read data directory %s", fs.dataDir)
	}

	var indexFiles []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, tableFileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		stem := strings.TrimSuffix(name, tableFileExt)
		if strings.Contains(stem, indexSeparator) {
			indexFiles = append(indexFiles, stem)
			continue
		}
		fs.loadTableFile(stem)
	}

	for _, stem := range indexFiles {
		table, column, _ := strings.Cut(stem, indexSeparator)
		if _, ok := fs.tables[table]; ok && column != "" {
			fs.loadIndexFile(IndexKey{Table: table, Column: column})
			continue
		}
		path := fs.tablePath(stem)
		data, err := readTable(path)
		if err != nil {
			fs.logger.Warn().Err(err).Str("path", path).Msg("skipping index file with no matching table")
			continue
		}
		fs.tables[stem] = data
	}
	return nil
}

func (fs *FileStorage) loadTableFile(name string) {
	path := fs.tablePath(name)
	data, err := readTable(path)
	if err != nil {
		fs.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable table file")
		return
	}
	fs.tables[name] = data
}

// readTable decodes a table file. Unknown fields, a missing name or an empty
// column list mean the file is not a table file.
func readTable(path string) (*types.TableData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var tf tableFile
	if err := dec.Decode(&tf); err != nil {
		return nil, err
	}
	if tf.Name == "" {
		return nil, errors.New("table file has no name")
	}
	if len(tf.Columns) == 0 {
		return nil, fmt.Errorf("table file %s declares no columns", tf.Name)
	}
	for i, col := range tf.Columns {
		if col.Name == "" {
			return nil, fmt.Errorf("column %d of table %s has no name", i, tf.Name)
		}
	}

	rows := tf.Rows
	if rows == nil {
		rows = make([]types.Row, 0)
	}
	return &types.TableData{
		Info: types.TableInfo{Name: tf.Name, Columns: tf.Columns},
		Rows: rows,
	}, nil
}

func (fs *FileStorage) loadIndexFile(key IndexKey) {
	path := fs.indexPath(key)
	raw, err := os.ReadFile(path)
	if err != nil {
		fs.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable index file")
		return
	}
	tree := bplustree.New()
	if err := json.Unmarshal(raw, tree); err != nil {
		fs.logger.Warn().Err(err).Str("path", path).Msg("skipping corrupt index file")
		return
	}
	fs.indexes[key] = tree
}

func (fs *FileStorage) saveTable(name string, data *types.TableData) error {
	rows := data.Rows
	if rows == nil {
		rows = make([]types.Row, 0)
	}
	encoded, err := json.MarshalIndent(tableFile{
		Name:    data.Info.Name,
		Columns: data.Info.Columns,
		Rows:    rows,
	}, "", "  ")
	if err != nil {
		return types.IOError(err, "failed to encode table %s", name)
	}
	path := fs.tablePath(name)
	if err := fsutil.WriteFileAtomic(path, encoded, filePerm); err != nil {
		return types.IOError(err, "failed to write table file %s", path)
	}
	return nil
}

func (fs *FileStorage) saveIndex(key IndexKey, tree *bplustree.BPlusTree) error {
	encoded, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return types.IOError(err, "failed to encode index %s", key)
	}
	path := fs.indexPath(key)
	if err := fsutil.WriteFileAtomic(path, encoded, filePerm); err != nil {
		return types.IOError(err, "failed to write index file %s", path)
	}
	return nil
}

// InsertTable stores data under name and writes it to disk, replacing any
// existing table of that name.
func (fs *FileStorage) InsertTable(name string, data *types.TableData) error {
	if data == nil {
		return types.NewError(types.KindExecution, "table %s has no data", name)
	}
	stored := data.Clone()
	fs.tables[name] = stored
	return fs.saveTable(name, stored)
}

// GetTable returns a copy of the named table.
func (fs *FileStorage) GetTable(name string) (*types.TableData, bool) {
	data, ok := fs.tables[name]
	if !ok {
		return nil, false
	}
	return data.Clone(), true
}

// GetTableMut returns the live table. Changes are not written until
// PersistTable or Flush is called.
func (fs *FileStorage) GetTableMut(name string) (*types.TableData, bool) {
	data, ok := fs.tables[name]
	return data, ok
}

// DropTable removes the table, its file and every index on it. Dropping an
// unknown table is not an error.
func (fs *FileStorage) DropTable(name string) error {
	delete(fs.tables, name)

	for key := range fs.indexes {
		if key.Table == name {
			if err := fs.DropIndex(key.Table, key.Column); err != nil {
				return err
			}
		}
	}

	path := fs.tablePath(name)
	if err := removeFile(path); err != nil {
		return types.IOError(err, "failed to delete table file %s", path)
	}
	return nil
}

// ContainsTable reports whether the table exists.
func (fs *FileStorage) ContainsTable(name string) bool {
	_, ok := fs.tables[name]
	return ok
}

// TableNames returns all table names in sorted order.
func (fs *FileStorage) TableNames() []string {
	names := make([]string, 0, len(fs.tables))
	for name := range fs.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PersistTable writes the named table to disk. An unknown table is ignored.
func (fs *FileStorage) PersistTable(name string) error {
	data, ok := fs.tables[name]
	if !ok {
		return nil
	}
	return fs.saveTable(name, data)
}

// Flush writes every table to disk.
func (fs *FileStorage) Flush() error {
	g := newFlushGroup()
	for name, data := range fs.tables {
		name, data := name, data
		g.Go(func() error {
			return fs.saveTable(name, data)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fs.logger.Debug().Int("tables", len(fs.tables)).Msg("tables flushed")
	return nil
}

// newFlushGroup bounds concurrent file writes.
func newFlushGroup() *errgroup.Group {
	g := new(errgroup.Group)
	g.SetLimit(flushWorkers)
	return g
}

func removeFile(path string) error {
	return fsutil.RemoveIfExists(path)
}

// Stats returns table, index and row counts.
func (fs *FileStorage) Stats() StorageStats {
	stats := StorageStats{Tables: len(fs.tables), Indexes: len(fs.indexes)}
	for _, data := range fs.tables {
		stats.Rows += len(data.Rows)
	}
	return stats
}
