package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/sausheong/sqlcore/engine"
	"github.com/sausheong/sqlcore/storage"
	"github.com/sausheong/sqlcore/types"
)

const helpText = `Commands:
  tables                                  list tables with row counts
  schema <table>                          show a table's columns
  indexes                                 list secondary indexes
  index create <table> <column>           build an index on an integer column
  index search <table> <column> <key>     look a key up
  index range <table> <column> <lo> <hi>  row IDs for keys in [lo, hi)
  index drop <table> <column>             remove an index
  begin                                   start a transaction
  commit <id>                             commit a transaction
  rollback <id>                           roll a transaction back
  active                                  list active transactions
  wal                                     show WAL records
  checkpoint                              flush everything and truncate the WAL
  stats                                   engine statistics
  pages                                   buffer pool residents
  page <id>                               fetch or allocate a page
  help                                    this text
  exit | quit                             leave the console
`

// console runs operator commands against an open engine.
type console struct {
	engine *engine.Engine
	out    io.Writer
}

func newConsole(e *engine.Engine, out io.Writer) *console {
	return &console{engine: e, out: out}
}

// execute runs one command line. It reports true when the console should
// exit.
func (c *console) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "--") {
		return false
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	var err error
	switch cmd {
	case "exit", "quit":
		return true
	case "help":
		fmt.Fprint(c.out, helpText)
	case "tables":
		err = c.tables()
	case "schema":
		err = c.schema(args)
	case "indexes":
		err = c.indexes()
	case "index":
		err = c.index(args)
	case "begin":
		err = c.begin()
	case "commit":
		err = c.finish(args, true)
	case "rollback":
		err = c.finish(args, false)
	case "active":
		c.active()
	case "wal":
		err = c.wal()
	case "checkpoint":
		err = c.checkpoint()
	case "stats":
		c.stats()
	case "pages":
		c.pages()
	case "page":
		err = c.page(args)
	default:
		err = fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}

	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func usage(format string) error {
	return fmt.Errorf("usage: %s", format)
}

func (c *console) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
}

func (c *console) tables() error {
	return c.engine.View(func(fs *storage.FileStorage) error {
		names := fs.TableNames()
		if len(names) == 0 {
			fmt.Fprintln(c.out, "(no tables)")
			return nil
		}
		tw := c.table()
		fmt.Fprintln(tw, "TABLE\tCOLUMNS\tROWS")
		for _, name := range names {
			data, _ := fs.GetTableMut(name)
			fmt.Fprintf(tw, "%s\t%d\t%d\n", name, len(data.Info.Columns), len(data.Rows))
		}
		return tw.Flush()
	})
}

func (c *console) schema(args []string) error {
	if len(args) != 1 {
		return usage("schema <table>")
	}
	return c.engine.View(func(fs *storage.FileStorage) error {
		data, ok := fs.GetTableMut(args[0])
		if !ok {
			return types.TableNotFound(args[0])
		}
		tw := c.table()
		fmt.Fprintln(tw, "COLUMN\tTYPE\tNULLABLE\tINDEXED")
		for _, col := range data.Info.Columns {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n",
				col.Name, col.DataType, col.Nullable, fs.HasIndex(args[0], col.Name))
		}
		return tw.Flush()
	})
}

func (c *console) indexes() error {
	return c.engine.View(func(fs *storage.FileStorage) error {
		keys := fs.IndexNames()
		if len(keys) == 0 {
			fmt.Fprintln(c.out, "(no indexes)")
			return nil
		}
		tw := c.table()
		fmt.Fprintln(tw, "INDEX\tKEYS\tHEIGHT")
		for _, key := range keys {
			tree, _ := fs.GetIndex(key.Table, key.Column)
			fmt.Fprintf(tw, "%s\t%d\t%d\n", key, tree.Len(), tree.Height())
		}
		return tw.Flush()
	})
}

func (c *console) index(args []string) error {
	if len(args) < 3 {
		return usage("index create|search|range|drop <table> <column> ...")
	}
	sub, table, column := strings.ToLower(args[0]), args[1], args[2]

	switch sub {
	case "create":
		return c.engine.Update(func(fs *storage.FileStorage) error {
			pos := -1
			if data, ok := fs.GetTableMut(table); ok {
				if i, found := data.Info.ColumnIndex(column); found {
					pos = i
					column = data.Info.Columns[i].Name
				}
			}
			if err := fs.CreateIndex(table, column, pos); err != nil {
				return err
			}
			tree, _ := fs.GetIndex(table, column)
			fmt.Fprintf(c.out, "Index %s.%s created (%d keys)\n", table, column, tree.Len())
			return nil
		})

	case "search":
		if len(args) != 4 {
			return usage("index search <table> <column> <key>")
		}
		key, err := parseKey(args[3])
		if err != nil {
			return err
		}
		return c.engine.View(func(fs *storage.FileStorage) error {
			if err := requireIndex(fs, table, column); err != nil {
				return err
			}
			if rowID, ok := fs.SearchIndex(table, column, key); ok {
				fmt.Fprintf(c.out, "%d -> row %d\n", key, rowID)
			} else {
				fmt.Fprintf(c.out, "%d not found\n", key)
			}
			return nil
		})

	case "range":
		if len(args) != 5 {
			return usage("index range <table> <column> <lo> <hi>")
		}
		lo, err := parseKey(args[3])
		if err != nil {
			return err
		}
		hi, err := parseKey(args[4])
		if err != nil {
			return err
		}
		return c.engine.View(func(fs *storage.FileStorage) error {
			if err := requireIndex(fs, table, column); err != nil {
				return err
			}
			rows := fs.RangeIndex(table, column, lo, hi)
			fmt.Fprintf(c.out, "%d row(s): %v\n", len(rows), rows)
			return nil
		})

	case "drop":
		return c.engine.Update(func(fs *storage.FileStorage) error {
			if err := requireIndex(fs, table, column); err != nil {
				return err
			}
			if err := fs.DropIndex(table, column); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Index %s.%s dropped\n", table, column)
			return nil
		})
	}
	return fmt.Errorf("unknown index command %q", args[0])
}

func requireIndex(fs *storage.FileStorage, table, column string) error {
	if !fs.HasIndex(table, column) {
		return types.NewError(types.KindExecution, "no index on %s.%s", table, column)
	}
	return nil
}

func parseKey(s string) (int64, error) {
	key, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, types.NewError(types.KindTypeMismatch, "index key %q is not an integer", s)
	}
	return key, nil
}

func parseTxID(args []string, verb string) (uint64, error) {
	if len(args) != 1 {
		return 0, usage(verb + " <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transaction id %q", args[0])
	}
	return id, nil
}

func (c *console) begin() error {
	id, err := c.engine.Transactions().Begin()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Transaction %d started\n", id)
	return nil
}

func (c *console) finish(args []string, commit bool) error {
	verb := "rollback"
	if commit {
		verb = "commit"
	}
	id, err := parseTxID(args, verb)
	if err != nil {
		return err
	}

	txns := c.engine.Transactions()
	if commit {
		err = txns.Commit(id)
	} else {
		err = txns.Rollback(id)
	}
	if err != nil {
		return err
	}

	if commit {
		fmt.Fprintf(c.out, "Transaction %d committed\n", id)
	} else {
		fmt.Fprintf(c.out, "Transaction %d rolled back\n", id)
	}
	return nil
}

func (c *console) active() {
	ids := c.engine.Transactions().ActiveIDs()
	if len(ids) == 0 {
		fmt.Fprintln(c.out, "(no active transactions)")
		return
	}
	for _, id := range ids {
		snapshot, _ := c.engine.Transactions().Snapshot(id)
		fmt.Fprintf(c.out, "%d (snapshot %v)\n", id, snapshot)
	}
}

func (c *console) wal() error {
	records, err := c.engine.WAL().ReadAll()
	if err != nil {
		return err
	}
	for i, rec := range records {
		fmt.Fprintf(c.out, "%4d  %s\n", i+1, rec)
	}
	fmt.Fprintf(c.out, "%d record(s), %d bytes\n", len(records), c.engine.WAL().Stats().SizeBytes)
	return nil
}

func (c *console) checkpoint() error {
	if err := c.engine.Checkpoint(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Checkpoint complete; next transaction ID %d\n", c.engine.Transactions().NextID())
	return nil
}

func (c *console) stats() {
	s := c.engine.Stats()
	tw := c.table()
	fmt.Fprintf(tw, "instance\t%s\n", s.Instance)
	fmt.Fprintf(tw, "data dir\t%s\n", s.DataDir)
	fmt.Fprintf(tw, "tables\t%d\n", s.Storage.Tables)
	fmt.Fprintf(tw, "indexes\t%d\n", s.Storage.Indexes)
	fmt.Fprintf(tw, "rows\t%d\n", s.Storage.Rows)
	fmt.Fprintf(tw, "buffer pool\t%d/%d pages, hit rate %.2f, %d evictions\n",
		s.BufferPool.Resident, s.BufferPool.Capacity, s.BufferPool.HitRate, s.BufferPool.Evictions)
	fmt.Fprintf(tw, "wal\t%d bytes, %d appends\n", s.WAL.SizeBytes, s.WAL.Appends)
	fmt.Fprintf(tw, "transactions\t%d active, %d committed, %d rolled back, next %d\n",
		s.Transactions.Active, s.Transactions.Committed, s.Transactions.RolledBack, s.Transactions.NextID)
	fmt.Fprintf(tw, "checkpoints\t%d\n", s.Checkpoints)
	tw.Flush()
}

func (c *console) pages() {
	pool := c.engine.BufferPool()
	fmt.Fprintf(c.out, "%d/%d resident: %v\n", pool.Len(), pool.Capacity(), pool.PageIDs())
}

func (c *console) page(args []string) error {
	if len(args) != 1 {
		return usage("page <id>")
	}
	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid page id %q", args[0])
	}

	pool := c.engine.BufferPool()
	page, ok := pool.Get(storage.PageID(n))
	if !ok {
		page = pool.Allocate(storage.PageID(n))
		fmt.Fprintf(c.out, "Page %d allocated\n", n)
	}
	fmt.Fprintf(c.out, "page %d: %d bytes, crc32 %08x\n", page.ID(), page.Size(), page.Checksum())
	return nil
}
