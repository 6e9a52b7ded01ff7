// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fastq provides streamed reading of FASTQ data as record-aligned
// byte blobs, and splitting of blobs into individual records.
//
// FASTQ data is handled as a repetition of 4-line records,
//
//	@<header>\n<sequence>\n+\n<quality>\n
//
// with '\n' line termination throughout.
package fastq

import (
	"bytes"
	"fmt"
	"io"
)

// BufferSizeError is returned by a Scanner when a single record spans more
// than the scanner's buffer, preventing a record-aligned cut.
type BufferSizeError struct {
	// Offset is the byte offset in the stream of the start of
	// the region that could not be cut.
	Offset int64
}

func (e *BufferSizeError) Error() string {
	return fmt.Sprintf("fastq: buffer too small for record at offset %d", e.Offset)
}

// Scanner reads a FASTQ byte stream as a lazy sequence of blobs, each
// holding a whole number of records. The concatenation of all blobs
// returned by Blob is identical to the input stream. Bytes are read from
// the source exactly once.
type Scanner struct {
	r    io.Reader
	size int

	carry []byte
	blob  []byte

	// consumed is the number of bytes read from r so far.
	consumed int64

	atEOF bool
	done  bool
	err   error
}

// NewScanner returns a Scanner reading from r in reads of size bytes.
// The size must be at least as large as the longest record in the stream.
func NewScanner(r io.Reader, size int) *Scanner {
	return &Scanner{r: r, size: size}
}

// Next advances the Scanner to the next blob, which will then be available
// through the Blob method. It returns false when the scan stops, either at
// the end of the input or on error. After Next returns false, the Err
// method will return any error that occurred during scanning.
func (s *Scanner) Next() bool {
	if s.err != nil || s.done {
		return false
	}
	for {
		if s.atEOF {
			s.done = true
			if len(s.carry) == 0 {
				return false
			}
			s.blob = s.carry
			s.carry = nil
			return true
		}

		work := make([]byte, len(s.carry)+s.size)
		n := copy(work, s.carry)
		rn, err := readAvailable(s.r, work[n:])
		s.consumed += int64(rn)
		work = work[:n+rn]
		switch err {
		case nil:
		case io.EOF:
			s.atEOF = true
			if rn == 0 {
				continue
			}
		default:
			s.err = err
			return false
		}

		cut := recordCut(work)
		if cut < 0 {
			if s.atEOF {
				// The remaining bytes are the final records of
				// the stream; they are emitted whole above.
				s.carry = work
				continue
			}
			// A window holding two full reads must contain a
			// record start unless a record is longer than the
			// read size.
			if len(work) >= 2*s.size {
				s.err = &BufferSizeError{Offset: s.consumed - int64(len(work))}
				return false
			}
			s.carry = work
			continue
		}
		s.blob = work[:cut]
		s.carry = work[cut:]
		return true
	}
}

// Blob returns the most recent blob scanned by a call to Next. The blob is
// newly allocated for each call to Next and may be retained by the caller.
func (s *Scanner) Blob() []byte { return s.blob }

// Err returns the first error encountered by the Scanner.
func (s *Scanner) Err() error { return s.err }

// readAvailable reads from r until buf is full, an error occurs or a read
// returns no data at EOF. Unlike io.ReadFull it reports io.EOF rather than
// io.ErrUnexpectedEOF for a partial fill.
func readAvailable(r io.Reader, buf []byte) (int, error) {
	var n int
	for n < len(buf) {
		rn, err := r.Read(buf[n:])
		n += rn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// recordCut returns the index of the start of the last record in work, or
// -1 if work contains no safe record-aligned cut. A candidate '@' following
// a newline is rejected when it opens a quality line, identified by the
// preceding bytes forming a "\n+" separator line.
func recordCut(work []byte) int {
	j := len(work)
	for {
		i := bytes.LastIndex(work[:j], []byte("\n@"))
		if i < 0 {
			return -1
		}
		if i >= 2 && work[i-1] == '+' && work[i-2] == '\n' {
			// The '@' opens a quality line. Resume the search
			// before the separator line.
			j = i - 1
			continue
		}
		return i + 1
	}
}

// A Record is a view of a single FASTQ record within a blob. The fields
// alias the blob's backing array and share its lifetime.
type Record struct {
	Header []byte // Header line, including the leading '@'.
	Seq    []byte
	Qual   []byte
}

// Splitter decomposes a record-aligned blob into records without copying.
// The separator line of each record is skipped without inspection; headers
// and line length agreement are not validated, these being established by
// the Scanner that produced the blob.
type Splitter struct {
	rest []byte
	off  int
	rec  Record
	err  error
}

// NewSplitter returns a Splitter reading records from blob.
func NewSplitter(blob []byte) *Splitter {
	return &Splitter{rest: blob}
}

// Next advances the Splitter to the next record, which will then be
// available through the Record method. It returns false when the blob is
// exhausted or malformed.
func (sp *Splitter) Next() bool {
	if sp.err != nil || len(sp.rest) == 0 {
		return false
	}
	start := sp.off
	var ok bool
	sp.rec.Header, ok = sp.line()
	if !ok {
		sp.err = fmt.Errorf("fastq: truncated record at offset %d", start)
		return false
	}
	sp.rec.Seq, ok = sp.line()
	if !ok {
		sp.err = fmt.Errorf("fastq: truncated record at offset %d", start)
		return false
	}
	_, ok = sp.line() // Separator.
	if !ok {
		sp.err = fmt.Errorf("fastq: truncated record at offset %d", start)
		return false
	}
	sp.rec.Qual, ok = sp.line()
	if !ok {
		sp.err = fmt.Errorf("fastq: truncated record at offset %d", start)
		return false
	}
	return true
}

// line returns the next line of the blob without its terminator. A final
// line without a trailing newline is returned whole. The second return
// value is false if the blob is exhausted.
func (sp *Splitter) line() ([]byte, bool) {
	if len(sp.rest) == 0 {
		return nil, false
	}
	i := bytes.IndexByte(sp.rest, '\n')
	if i < 0 {
		l := sp.rest
		sp.off += len(sp.rest)
		sp.rest = nil
		return l, true
	}
	l := sp.rest[:i]
	sp.rest = sp.rest[i+1:]
	sp.off += i + 1
	return l, true
}

// Record returns the most recent record scanned by a call to Next.
func (sp *Splitter) Record() Record { return sp.rec }

// Err returns the first error encountered by the Splitter.
func (sp *Splitter) Err() error { return sp.err }
