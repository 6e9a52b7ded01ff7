// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/kortschak/demux/barcode"
	"github.com/kortschak/demux/fastq"
)

// errShutdown is returned by demultChunk when the run is cancelled while
// the worker is blocked on a writer queue. It signals an orderly exit and
// is never reported as a failure cause.
var errShutdown = errors.New("demux: shutdown")

// progress is the per-chunk measurement returned by a worker.
type progress struct {
	records int
	parse   time.Duration
	route   time.Duration
}

// demultChunk classifies the records of a single blob and routes one
// serialized payload per observed barcode to the writer queue owning that
// barcode. Records in a payload preserve their input order. Unmatched and
// ambiguous records are routed to the unmatched queue when writeUnmatched
// is set and dropped otherwise. Empty sequences are dropped before
// classification unless keepEmpty is set.
func demultChunk(blob []byte, hash barcode.Hash, pat *barcode.Pattern, route map[string]chan payload, writeUnmatched, keepEmpty bool, done <-chan struct{}) (progress, error) {
	start := time.Now()
	buckets := make(map[string][]fastq.Record)
	sp := fastq.NewSplitter(blob)
	var n int
	for sp.Next() {
		rec := sp.Record()
		n++
		if len(rec.Seq) == 0 && !keepEmpty {
			continue
		}
		ref, class := barcode.Classify(rec.Header, hash, pat)
		switch class {
		case barcode.Matched:
			buckets[ref] = append(buckets[ref], rec)
		default:
			if writeUnmatched {
				buckets[unmatchedKey] = append(buckets[unmatchedKey], rec)
			}
		}
	}
	err := sp.Err()
	if err != nil {
		return progress{}, err
	}
	parsed := time.Now()

	for bc, recs := range buckets {
		q, ok := route[bc]
		if !ok {
			return progress{}, fmt.Errorf("no route for barcode %q", bc)
		}
		var buf bytes.Buffer
		for _, r := range recs {
			buf.Write(r.Header)
			buf.WriteByte('\n')
			buf.Write(r.Seq)
			buf.WriteString("\n+\n")
			buf.Write(r.Qual)
			buf.WriteByte('\n')
		}
		select {
		case q <- payload{barcode: bc, data: buf.Bytes()}:
		case <-done:
			return progress{}, errShutdown
		}
	}
	end := time.Now()

	return progress{records: n, parse: parsed.Sub(start), route: end.Sub(parsed)}, nil
}
