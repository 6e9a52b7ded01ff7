// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biogo/hts/bgzf"

	"github.com/kortschak/demux/barcode"
	"github.com/kortschak/demux/internal/sheet"
)

func mustHash(t *testing.T, refs []string, dist int, alpha string) barcode.Hash {
	t.Helper()
	h, err := barcode.NewHash(refs, dist, []byte(alpha), nil)
	if err != nil {
		t.Fatalf("unexpected error building hash: %v", err)
	}
	return h
}

func mustPattern(t *testing.T, expr, group string) *barcode.Pattern {
	t.Helper()
	p, err := barcode.CompilePattern(expr, group)
	if err != nil {
		t.Fatalf("unexpected error compiling pattern: %v", err)
	}
	return p
}

func TestDemultChunk(t *testing.T) {
	hash := mustHash(t, []string{"AAAA", "CCCC"}, 1, "ACGT")
	pat := mustPattern(t, `(.*):(?P<CB>[ATGCN]{4})`, "CB")

	const blob = "@read1:AAAA\nGG\n+\nII\n" + // Exact match.
		"@read2:ACAA\nTT\n+\nII\n" + // One substitution from AAAA.
		"@read3:TTTT\nCC\n+\nII\n" + // No entry in the hash.
		"@read4\n\n+\n\n" // No header match, empty sequence.

	route := map[string]chan payload{
		"AAAA":       make(chan payload, 1),
		"CCCC":       make(chan payload, 1),
		unmatchedKey: make(chan payload, 1),
	}
	done := make(chan struct{})

	prog, err := demultChunk([]byte(blob), hash, pat, route, true, false, done)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prog.records != 4 {
		t.Errorf("unexpected record count: got %d, want 4", prog.records)
	}

	select {
	case p := <-route["AAAA"]:
		want := "@read1:AAAA\nGG\n+\nII\n@read2:ACAA\nTT\n+\nII\n"
		if string(p.data) != want {
			t.Errorf("unexpected AAAA payload:\ngot: %q\nwant:%q", p.data, want)
		}
	default:
		t.Error("no payload routed to AAAA")
	}
	select {
	case p := <-route[unmatchedKey]:
		want := "@read3:TTTT\nCC\n+\nII\n"
		if string(p.data) != want {
			t.Errorf("unexpected unmatched payload:\ngot: %q\nwant:%q", p.data, want)
		}
	default:
		t.Error("no payload routed to unmatched")
	}
	select {
	case p := <-route["CCCC"]:
		t.Errorf("unexpected payload routed to CCCC: %q", p.data)
	default:
	}
}

func TestDemultChunkKeepEmpty(t *testing.T) {
	hash := mustHash(t, []string{"AAAA"}, 1, "ACGT")
	pat := mustPattern(t, `(.*):(?P<CB>[ATGCN]{4})`, "CB")

	const blob = "@read1\n\n+\n\n"
	route := map[string]chan payload{
		"AAAA":       make(chan payload, 1),
		unmatchedKey: make(chan payload, 1),
	}
	done := make(chan struct{})

	// With keepEmpty false the record is dropped before classification.
	_, err := demultChunk([]byte(blob), hash, pat, route, true, false, done)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case p := <-route[unmatchedKey]:
		t.Errorf("unexpected payload for dropped empty record: %q", p.data)
	default:
	}

	// With keepEmpty true it is classified and routed.
	_, err = demultChunk([]byte(blob), hash, pat, route, true, true, done)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case p := <-route[unmatchedKey]:
		if string(p.data) != blob {
			t.Errorf("unexpected payload: got %q, want %q", p.data, blob)
		}
	default:
		t.Error("no payload routed for kept empty record")
	}
}

func TestDemultChunkAmbiguous(t *testing.T) {
	// AATA is within distance 1 of both references and must be routed
	// as unmatched.
	hash := mustHash(t, []string{"AAAA", "AATA"}, 1, "ACGT")
	pat := mustPattern(t, `(.*):(?P<CB>[ATGCN]{4})`, "CB")

	const blob = "@read1:AATA\nGG\n+\nII\n"
	route := map[string]chan payload{
		"AAAA":       make(chan payload, 1),
		"AATA":       make(chan payload, 1),
		unmatchedKey: make(chan payload, 1),
	}
	done := make(chan struct{})

	_, err := demultChunk([]byte(blob), hash, pat, route, true, false, done)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-route[unmatchedKey]:
	default:
		t.Error("ambiguous record not routed to unmatched")
	}
	select {
	case p := <-route["AATA"]:
		t.Errorf("ambiguous record routed to AATA: %q", p.data)
	default:
	}
}

func TestPartition(t *testing.T) {
	samples := []sheet.Sample{
		{Name: "s1"}, {Name: "s2"}, {Name: "s3"}, {Name: "s4"}, {Name: "s5"},
	}
	groups := partition(samples, 2)
	if len(groups) != 2 {
		t.Fatalf("unexpected group count: got %d, want 2", len(groups))
	}
	got := []string{groups[0][0].Name, groups[0][1].Name, groups[0][2].Name}
	want := []string{"s1", "s3", "s5"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("unexpected stride partition: got %v, want %v", got, want)
		}
	}
	if len(groups[1]) != 2 {
		t.Errorf("unexpected second group size: got %d, want 2", len(groups[1]))
	}
}

// readBGZF reads back the whole of a block-gzip compressed file.
func readBGZF(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("unexpected error opening %s: %v", path, err)
	}
	defer f.Close()
	r, err := bgzf.NewReader(f, 1)
	if err != nil {
		t.Fatalf("unexpected error reading %s: %v", path, err)
	}
	defer r.Close()
	b, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error reading %s: %v", path, err)
	}
	return string(b)
}

func TestShardRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "demux-shard-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	samples := []sheet.Sample{
		{Name: "s1", Barcode: "AAAA"},
		{Name: "s2", Barcode: "CCCC"},
	}
	s, err := newShard(dir, ".fastq.gz", samples, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doneRun := make(chan struct{})
	var n int
	var runErr error
	go func() {
		defer close(doneRun)
		n, runErr = s.run()
	}()

	s.queue <- payload{barcode: "AAAA", data: []byte("@r1:AAAA\nGG\n+\nII\n")}
	s.queue <- payload{barcode: "CCCC", data: []byte("@r2:CCCC\nTT\n+\nII\n")}
	s.queue <- payload{barcode: "AAAA", data: []byte("@r3:AAAA\nCC\n+\nII\n")}
	s.queue <- payload{}
	<-doneRun

	if runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}
	if n != 3 {
		t.Errorf("unexpected payload count: got %d, want 3", n)
	}

	got := readBGZF(t, filepath.Join(dir, "s1.fastq.gz"))
	want := "@r1:AAAA\nGG\n+\nII\n@r3:AAAA\nCC\n+\nII\n"
	if got != want {
		t.Errorf("unexpected s1 content:\ngot: %q\nwant:%q", got, want)
	}
	got = readBGZF(t, filepath.Join(dir, "s2.fastq.gz"))
	want = "@r2:CCCC\nTT\n+\nII\n"
	if got != want {
		t.Errorf("unexpected s2 content:\ngot: %q\nwant:%q", got, want)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir, err := ioutil.TempDir("", "demux-run-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	const in = "@r1:AAAA\nGGGG\n+\nIIII\n" +
		"@r2:ACAA\nTTTT\n+\nIII@\n" +
		"@r3:CCCC\nAACC\n+\n@@II\n" +
		"@r4:TTTT\nGGTT\n+\nIIII\n" +
		"@r5\n\n+\n\n" +
		"@r6:AAAA\nCCCC\n+\nIIII\n"

	samples := []sheet.Sample{
		{Name: "s1", Barcode: "AAAA"},
		{Name: "s2", Barcode: "CCCC"},
	}
	hash := mustHash(t, []string{"AAAA", "CCCC"}, 1, "ACGT")
	pat := mustPattern(t, `(.*):(?P<CB>[ATGCN]{4})`, "CB")

	cfg := config{
		BufferSize:     64,
		Threads:        2,
		WriterThreads:  3,
		WriteUnmatched: true,
		KeepEmpty:      true,
		Output:         dir,
		Suffix:         ".fastq.gz",
	}
	err = run(cfg, strings.NewReader(in), hash, pat, samples, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reads := func(content string) map[string]bool {
		set := make(map[string]bool)
		for _, l := range strings.Split(content, "\n") {
			if strings.HasPrefix(l, "@r") {
				set[strings.SplitN(l, ":", 2)[0]] = true
			}
		}
		return set
	}

	s1 := readBGZF(t, filepath.Join(dir, "s1.fastq.gz"))
	s2 := readBGZF(t, filepath.Join(dir, "s2.fastq.gz"))
	un := readBGZF(t, filepath.Join(dir, "unmatched.fastq.gz"))

	for _, c := range []struct {
		name string
		got  map[string]bool
		want []string
	}{
		{name: "s1", got: reads(s1), want: []string{"@r1", "@r2", "@r6"}},
		{name: "s2", got: reads(s2), want: []string{"@r3"}},
		{name: "unmatched", got: reads(un), want: []string{"@r4", "@r5"}},
	} {
		if len(c.got) != len(c.want) {
			t.Errorf("%s: unexpected reads: got %v, want %v", c.name, c.got, c.want)
			continue
		}
		for _, r := range c.want {
			if !c.got[r] {
				t.Errorf("%s: missing read %s", c.name, r)
			}
		}
	}

	// Conservation: with unmatched writing and empty keeping enabled,
	// every input record appears in exactly one output.
	total := strings.Count(s1, "\n+\n") + strings.Count(s2, "\n+\n") + strings.Count(un, "\n+\n")
	if total != 6 {
		t.Errorf("unexpected total record count: got %d, want 6", total)
	}
}
