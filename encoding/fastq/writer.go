package fastq

import (
	"errors"
	"io"
)

// ErrMalformed is returned by Writer.Write for a record whose ID does not
// start with '@' or whose sequence and quality lengths differ.
var ErrMalformed = errors.New("malformed FASTQ record")

// Writer is a FASTQ file writer.
type Writer struct {
	w   io.Writer
	buf []byte
	n   int
	err error
}

// NewWriter constructs a new FASTQ writer
// that writes reads to the underlying writer w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes the read r in FASTQ format. An empty r.Unk is written as
// "+". Each record is handed to the underlying writer in a single call.
// Once a write fails, all later writes return the same error.
func (w *Writer) Write(r *Read) error {
	if w.err != nil {
		return w.err
	}
	if len(r.ID) == 0 || r.ID[0] != '@' || len(r.Seq) != len(r.Qual) {
		return ErrMalformed
	}
	unk := r.Unk
	if unk == "" {
		unk = "+"
	}
	w.buf = w.buf[:0]
	for _, line := range [...]string{r.ID, r.Seq, unk, r.Qual} {
		w.buf = append(w.buf, line...)
		w.buf = append(w.buf, '\n')
	}
	if _, w.err = w.w.Write(w.buf); w.err == nil {
		w.n++
	}
	return w.err
}

// N returns the number of records written.
func (w *Writer) N() int { return w.n }
