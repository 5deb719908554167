package storage

import (
	"hash/crc32"
	"sync"

	"github.com/sausheong/sqlcore/types"
)

// PageSize is the fixed size of every page buffer.
const PageSize = 4096

// PageID represents a unique page identifier
type PageID uint32

// Page is a fixed-size, zero-initialised buffer identified by a PageID.
// The identity never changes; the content is shared by every holder of the
// handle, so access goes through ReadAt/WriteAt.
type Page struct {
	id   PageID
	mu   sync.RWMutex
	data []byte
}

// NewPage creates a new zero-filled page
func NewPage(id PageID) *Page {
	return &Page{
		id:   id,
		data: make([]byte, PageSize),
	}
}

// ID returns the page identifier.
func (p *Page) ID() PageID {
	return p.id
}

// Size returns the page size in bytes.
func (p *Page) Size() int {
	return PageSize
}

// ReadAt copies len(buf) bytes starting at off into buf.
func (p *Page) ReadAt(buf []byte, off int) (int, error) {
	if err := checkBounds(off, len(buf)); err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copy(buf, p.data[off:off+len(buf)]), nil
}

// WriteAt copies buf into the page starting at off.
func (p *Page) WriteAt(buf []byte, off int) (int, error) {
	if err := checkBounds(off, len(buf)); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return copy(p.data[off:off+len(buf)], buf), nil
}

// Bytes returns a copy of the whole page content.
func (p *Page) Bytes() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]byte, PageSize)
	copy(out, p.data)
	return out
}

// Reset zeroes the page content.
func (p *Page) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.data)
}

// Checksum computes CRC32 checksum of the page content
func (p *Page) Checksum() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return crc32.ChecksumIEEE(p.data)
}

func checkBounds(off, n int) error {
	if off < 0 || n < 0 || off+n > PageSize {
		return types.NewError(types.KindExecution,
			"page access out of range: offset %d length %d (page size %d)", off, n, PageSize)
	}
	return nil
}
