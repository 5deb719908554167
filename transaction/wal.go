package transaction

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sausheong/sqlcore/types"
)

// WAL frame layout: [u32 little-endian payload length][JSON payload][\n]
const (
	frameHeaderSize  = 4
	frameTrailer     = '\n'
	maxRecordPayload = 1 << 20
)

// WALStats describes the log file.
type WALStats struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Appends   uint64 `json:"appends"`
	Truncates uint64 `json:"truncates"`
	Discarded int64  `json:"discarded_bytes"` // damaged tail cut off at open
}

// WriteAheadLog is an append-only file of transaction records. Every append
// is fsynced before it returns. All file access is serialised by one mutex.
type WriteAheadLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	logger    zerolog.Logger
	appends   uint64
	truncates uint64
	discarded int64
}

// WALOption configures a WriteAheadLog.
type WALOption func(*WriteAheadLog)

// WithWALLogger sets the logger used to report a damaged log tail.
func WithWALLogger(logger zerolog.Logger) WALOption {
	return func(w *WriteAheadLog) {
		w.logger = logger
	}
}

// OpenWAL opens the log at path, creating it (and its directory) if needed.
// A damaged tail left by an interrupted append is cut off and the file
// fsynced before OpenWAL returns, so every later append follows the last
// intact frame.
func OpenWAL(path string, opts ...WALOption) (*WriteAheadLog, error) {
	w := &WriteAheadLog{path: path, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, types.IOError(err, "failed to create WAL directory")
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, types.IOError(err, "failed to open WAL %s", path)
	}
	w.file = file

	if err := w.repair(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// repair truncates the file to the end of its last intact frame.
func (w *WriteAheadLog) repair() error {
	records, good, size, err := w.scan()
	if err != nil {
		return err
	}
	if good == size {
		return nil
	}

	w.logger.Warn().
		Str("path", w.path).
		Int64("offset", good).
		Int64("discarded_bytes", size-good).
		Int("records", len(records)).
		Msg("WAL ends in a damaged frame; truncating it")

	if err := w.file.Truncate(good); err != nil {
		return types.IOError(err, "failed to truncate damaged WAL tail")
	}
	if err := w.file.Sync(); err != nil {
		return types.IOError(err, "failed to sync WAL")
	}
	w.discarded = size - good
	return nil
}

// Path returns the log file path.
func (w *WriteAheadLog) Path() string {
	return w.path
}

func encodeFrame(rec Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload)+1)
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return append(frame, frameTrailer), nil
}

// Append writes rec as one frame and fsyncs the file.
func (w *WriteAheadLog) Append(rec Record) error {
	frame, err := encodeFrame(rec)
	if err != nil {
		return types.IOError(err, "failed to encode WAL record %s", rec)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return types.IOError(os.ErrClosed, "WAL %s", w.path)
	}
	if _, err := w.file.Write(frame); err != nil {
		return types.IOError(err, "failed to append WAL record %s", rec)
	}
	if err := w.file.Sync(); err != nil {
		return types.IOError(err, "failed to sync WAL")
	}
	w.appends++
	return nil
}

// ReadAll returns every record from the start of the log. Reading stops at
// the first frame that is truncated or does not decode; the records before
// it are returned and the damage is logged.
func (w *WriteAheadLog) ReadAll() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil, types.IOError(os.ErrClosed, "WAL %s", w.path)
	}
	records, good, size, err := w.scan()
	if err != nil {
		return nil, err
	}
	if good < size {
		w.logger.Warn().
			Str("path", w.path).
			Int64("offset", good).
			Int("records", len(records)).
			Msg("WAL ends in a damaged frame; ignoring the rest")
	}
	return records, nil
}

// scan decodes frames from the start of the file. It returns the records,
// the offset just past the last intact frame and the file size.
func (w *WriteAheadLog) scan() ([]Record, int64, int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return nil, 0, 0, types.IOError(err, "failed to stat WAL")
	}

	size := info.Size()
	reader := io.NewSectionReader(w.file, 0, size)
	records := make([]Record, 0)
	var offset int64

	for {
		rec, n, err := readFrame(reader)
		if types.IsKind(err, types.KindIO) {
			return nil, 0, 0, err
		}
		if err != nil {
			// io.EOF means the file ended exactly on a frame boundary.
			if !errors.Is(err, io.EOF) {
				w.logger.Debug().Err(err).Int64("offset", offset).Msg("WAL frame rejected")
			}
			break
		}
		records = append(records, rec)
		offset += n
	}
	return records, offset, size, nil
}

var errTornFrame = errors.New("torn frame")

// readFrame returns io.EOF only when r is exhausted exactly at a frame
// boundary. Read failures are KindIO; anything else means a damaged frame.
func readFrame(r io.Reader) (Record, int64, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, 0, errTornFrame
		}
		if errors.Is(err, io.EOF) {
			return Record{}, 0, err
		}
		return Record{}, 0, types.IOError(err, "failed to read WAL")
	}

	size := binary.LittleEndian.Uint32(header[:])
	if size == 0 || size > maxRecordPayload {
		return Record{}, 0, errors.New("invalid frame length")
	}

	body := make([]byte, size+1)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, 0, errTornFrame
		}
		return Record{}, 0, types.IOError(err, "failed to read WAL")
	}
	if body[size] != frameTrailer {
		return Record{}, 0, errors.New("missing frame terminator")
	}

	var rec Record
	if err := json.Unmarshal(body[:size], &rec); err != nil {
		return Record{}, 0, err
	}
	return rec, int64(frameHeaderSize) + int64(size) + 1, nil
}

// Truncate empties the log. It is called after a checkpoint has made every
// logged transaction durable elsewhere.
func (w *WriteAheadLog) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return types.IOError(os.ErrClosed, "WAL %s", w.path)
	}
	if err := w.file.Truncate(0); err != nil {
		return types.IOError(err, "failed to truncate WAL")
	}
	if err := w.file.Sync(); err != nil {
		return types.IOError(err, "failed to sync WAL")
	}
	w.truncates++
	return nil
}

// Stats returns the current log size and counters.
func (w *WriteAheadLog) Stats() WALStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := WALStats{
		Path:      w.path,
		Appends:   w.appends,
		Truncates: w.truncates,
		Discarded: w.discarded,
	}
	if w.file != nil {
		if info, err := w.file.Stat(); err == nil {
			stats.SizeBytes = info.Size()
		}
	}
	return stats
}

// Close syncs and closes the file. Closing twice is a no-op.
func (w *WriteAheadLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil

	if syncErr != nil {
		return types.IOError(syncErr, "failed to sync WAL")
	}
	if closeErr != nil {
		return types.IOError(closeErr, "failed to close WAL")
	}
	return nil
}
