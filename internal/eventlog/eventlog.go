// Package eventlog stores enter/exit notifications as a zstd-compressed
// stream of msgpack records, so an instrumentation run can be replayed
// through the pipeline offline.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ppiankov/calltrace/internal/model"
)

// Magic identifies an event log stream.
const Magic = "calltrace-events"

// Version is the current stream format version.
const Version = 1

// ErrBadFrame is returned for a stream that is not a valid event log.
var ErrBadFrame = errors.New("eventlog: bad frame")

// Kind is the notification type of a record.
type Kind uint8

const (
	KindEnter Kind = 1
	KindExit  Kind = 2
)

type header struct {
	Magic   string `msgpack:"magic"`
	Version int    `msgpack:"version"`
}

// Record is one notification. Exit records carry only the thread.
type Record struct {
	Kind       Kind             `msgpack:"k"`
	Thread     model.ThreadID   `msgpack:"t"`
	ThreadName string           `msgpack:"tn,omitempty"`
	Site       model.CallSiteID `msgpack:"s,omitempty"`
	Class      string           `msgpack:"c,omitempty"`
	Generic    string           `msgpack:"g,omitempty"`
	Method     string           `msgpack:"m,omitempty"`
	Signature  string           `msgpack:"sig,omitempty"`
}

// Writer appends records to a stream. Enter and Exit may be called from
// many goroutines; the first write error is kept and returned by Err and
// Close.
type Writer struct {
	mu   sync.Mutex
	zw   *zstd.Encoder
	enc  *msgpack.Encoder
	file *os.File
	n    int64
	err  error
}

// NewWriter starts a stream on w.
func NewWriter(w io.Writer) (*Writer, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("eventlog: zstd writer: %w", err)
	}
	enc := msgpack.NewEncoder(zw)
	if err := enc.Encode(header{Magic: Magic, Version: Version}); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("eventlog: write header: %w", err)
	}
	return &Writer{zw: zw, enc: enc}, nil
}

// Create starts a stream in a new file at path.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("eventlog: create %s: %w", path, err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// Write appends rec.
func (w *Writer) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if err := w.enc.Encode(&rec); err != nil {
		w.err = fmt.Errorf("eventlog: write record: %w", err)
		return w.err
	}
	w.n++
	return nil
}

// Enter records a call entry.
func (w *Writer) Enter(thread model.Thread, m model.Method) {
	_ = w.Write(Record{
		Kind:       KindEnter,
		Thread:     thread.ID,
		ThreadName: thread.Name,
		Site:       m.Site,
		Class:      m.Class,
		Generic:    m.Generic,
		Method:     m.Name,
		Signature:  m.Signature,
	})
}

// Exit records a call exit.
func (w *Writer) Exit(thread model.ThreadID) {
	_ = w.Write(Record{Kind: KindExit, Thread: thread})
}

// Count returns the number of records written.
func (w *Writer) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Err returns the first write error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close flushes the stream and closes the file opened by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.zw.Close()
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
		w.file = nil
	}
	if w.err != nil {
		return w.err
	}
	if err != nil {
		return fmt.Errorf("eventlog: close: %w", err)
	}
	return nil
}

// Reader decodes a stream written by Writer.
type Reader struct {
	zr   *zstd.Decoder
	dec  *msgpack.Decoder
	file *os.File
}

// NewReader validates the stream header on r.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("eventlog: zstd reader: %w", err)
	}
	dec := msgpack.NewDecoder(zr)
	var h header
	if err := dec.Decode(&h); err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: header: %v", ErrBadFrame, err)
	}
	if h.Magic != Magic {
		zr.Close()
		return nil, fmt.Errorf("%w: magic %q", ErrBadFrame, h.Magic)
	}
	if h.Version != Version {
		zr.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, h.Version)
	}
	return &Reader{zr: zr, dec: dec}, nil
}

// Open opens the event log at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if rec.Kind != KindEnter && rec.Kind != KindExit {
		return Record{}, fmt.Errorf("%w: unknown kind %d", ErrBadFrame, rec.Kind)
	}
	return rec, nil
}

// Close releases the decoder and the file opened by Open.
func (r *Reader) Close() error {
	r.zr.Close()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
