// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/biogo/hts/bgzf"

	"github.com/kortschak/demux/internal/sheet"
)

// unmatchedKey is the routing key for records that could not be uniquely
// attributed to a reference barcode. It cannot collide with a barcode
// since barcodes are validated as nucleic acid sequences.
const unmatchedKey = "unmatched"

// payload is a serialized group of records destined for a single barcode's
// output sink. The zero payload is the writer termination sentinel.
type payload struct {
	barcode string
	data    []byte
}

// A shard owns the output sinks for a set of samples with exclusive write
// access, and drains a bounded queue of payloads into them. Output files
// are block-gzip compressed.
type shard struct {
	queue chan payload
	sinks map[string]*bgzf.Writer
	files []*os.File
}

// newShard opens one compressed sink per sample under dir, named by the
// sample name and suffix. The sinks are owned by the returned shard and
// closed by run.
func newShard(dir, suffix string, samples []sheet.Sample, depth int) (*shard, error) {
	s := &shard{
		queue: make(chan payload, depth),
		sinks: make(map[string]*bgzf.Writer, len(samples)),
	}
	for _, sm := range samples {
		f, err := os.Create(filepath.Join(dir, sm.Name+suffix))
		if err != nil {
			s.close()
			return nil, fmt.Errorf("creating output for sample %q: %w", sm.Name, err)
		}
		s.files = append(s.files, f)
		s.sinks[sm.Barcode] = bgzf.NewWriter(f, 1)
	}
	return s, nil
}

// run receives payloads from the shard's queue until the termination
// sentinel is seen, writing each payload to the sink keyed by its barcode.
// After a write failure the queue is still drained to the sentinel so that
// producers are never blocked on a dead shard. The sinks are closed before
// returning. run returns the number of payloads written.
func (s *shard) run() (int, error) {
	var (
		n     int
		first error
	)
	for {
		p := <-s.queue
		if p.barcode == "" && p.data == nil {
			break
		}
		if first != nil {
			continue
		}
		w, ok := s.sinks[p.barcode]
		if !ok {
			first = fmt.Errorf("no sink for barcode %q", p.barcode)
			continue
		}
		_, err := w.Write(p.data)
		if err != nil {
			first = fmt.Errorf("writing payload for barcode %q: %w", p.barcode, err)
			continue
		}
		n++
	}
	err := s.close()
	if first == nil {
		first = err
	}
	return n, first
}

// close flushes and closes all the shard's sinks, returning the first
// error encountered.
func (s *shard) close() error {
	var first error
	for _, w := range s.sinks {
		err := w.Close()
		if err != nil && first == nil {
			first = err
		}
	}
	for _, f := range s.files {
		err := f.Close()
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// partition distributes samples across n groups by stride so that barcodes
// are balanced across writer shards.
func partition(samples []sheet.Sample, n int) [][]sheet.Sample {
	groups := make([][]sheet.Sample, n)
	for i, s := range samples {
		groups[i%n] = append(groups[i%n], s)
	}
	return groups
}
