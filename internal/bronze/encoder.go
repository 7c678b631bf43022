package bronze

import (
	"bufio"
	"context"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
)

// Encoder writes Records as tab-delimited COPY text rows.
type Encoder struct {
	w   *bufio.Writer
	now func() time.Time
}

// NewEncoder creates an Encoder writing to w. LoadedAtUTC is stamped at
// encode time when a record does not carry one.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, 64*1024), now: time.Now}
}

// Write encodes one record.
func (e *Encoder) Write(rec Record) error {
	if rec.LoadedAtUTC.IsZero() {
		rec.LoadedAtUTC = e.now().UTC()
		if rec.LoadedAtUTC.Before(rec.ExtractedAtUTC) {
			rec.LoadedAtUTC = rec.ExtractedAtUTC
		}
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	fields := [...]*string{
		&rec.LoadID,
		ptr(rec.ExtractedAtUTC.UTC().Format(TimeLayout)),
		ptr(rec.LoadedAtUTC.UTC().Format(TimeLayout)),
		nullable(rec.SourceURL),
		nullable(rec.PackageVersion),
		nullable(rec.RecordHash),
		ptr(string(rec.Data)),
	}
	for i, f := range fields {
		if i > 0 {
			if err := e.w.WriteByte(Delimiter); err != nil {
				return eris.Wrap(err, "bronze: write")
			}
		}
		if err := writeField(e.w, f); err != nil {
			return eris.Wrap(err, "bronze: write")
		}
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return eris.Wrap(err, "bronze: write")
	}
	return nil
}

// Flush writes any buffered data to the underlying writer.
func (e *Encoder) Flush() error {
	return eris.Wrap(e.w.Flush(), "bronze: flush")
}

// Encode writes every record from seq to w and returns the row count. The
// first error from seq or from encoding aborts the whole stream.
func Encode(w io.Writer, seq iter.Seq2[Record, error]) (int64, error) {
	enc := NewEncoder(w)
	var n int64
	for rec, err := range seq {
		if err != nil {
			return n, err
		}
		if err := enc.Write(rec); err != nil {
			return n, err
		}
		n++
	}
	return n, enc.Flush()
}

// Stream is an io.Reader fed by a goroutine encoding a record sequence.
type Stream struct {
	pr     *io.PipeReader
	rows    atomic.Int64
	closed  atomic.Bool
	aborted atomic.Bool
	done    chan struct{}
	err     error
}

// Pipe starts encoding seq in the background and returns the readable end.
// Closing the stream makes the producer fail at its next write.
func Pipe(ctx context.Context, seq iter.Seq2[Record, error]) *Stream {
	pr, pw := io.Pipe()
	s := &Stream{pr: pr, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		counted := func(yield func(Record, error) bool) {
			for rec, err := range seq {
				if err == nil {
					if cerr := ctx.Err(); cerr != nil {
						err = eris.Wrap(cerr, "bronze: encode cancelled")
					}
				}
				if !yield(rec, err) {
					return
				}
				s.rows.Add(1)
			}
		}
		_, err := Encode(streamWriter{pw: pw, s: s}, counted)
		s.err = err
		_ = pw.CloseWithError(err)
	}()

	return s
}

func (s *Stream) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Close abandons the stream. It does not wait for the producer.
func (s *Stream) Close() error {
	s.closed.Store(true)
	return s.pr.CloseWithError(io.ErrClosedPipe)
}

// Rows returns the number of records encoded so far.
func (s *Stream) Rows() int64 { return s.rows.Load() }

// Err waits for the producer to exit and returns its error. Write failures
// caused by closing the stream early are not reported.
func (s *Stream) Err() error {
	<-s.done
	if s.aborted.Load() {
		return nil
	}
	return s.err
}

type streamWriter struct {
	pw *io.PipeWriter
	s  *Stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	if err != nil && w.s.closed.Load() {
		w.s.aborted.Store(true)
	}
	return n, err
}

func ptr(s string) *string { return &s }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func writeField(w *bufio.Writer, f *string) error {
	if f == nil {
		_, err := w.WriteString(`\N`)
		return err
	}
	s := *f
	start := 0
	for i := 0; i < len(s); i++ {
		var esc string
		switch s[i] {
		case '\\':
			esc = `\\`
		case '\t':
			esc = `\t`
		case '\n':
			esc = `\n`
		case '\r':
			esc = `\r`
		default:
			continue
		}
		if _, err := w.WriteString(s[start:i]); err != nil {
			return err
		}
		if _, err := w.WriteString(esc); err != nil {
			return err
		}
		start = i + 1
	}
	_, err := w.WriteString(s[start:])
	return err
}
