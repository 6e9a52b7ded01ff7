// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// htocount counts hash tag oligo observations in a FASTQ file against a
// reference table of hash tag sequences. It is the counting specialization
// of the demux pipeline: records are classified by the same mutation hash
// lookup, but matches are tallied per reference instead of being written
// to per-sample files.
//
// The counts table is written as tab-separated name/count pairs, to
// standard output or to the file named by -output. An output name ending
// in .sz is snappy compressed.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"

	"github.com/kortschak/demux/barcode"
	"github.com/kortschak/demux/fastq"
	"github.com/kortschak/demux/internal/sheet"
)

const version = "0.1"

// config holds the run parameters. Fields may be set from a TOML
// configuration file and are overridden by explicitly set flags.
type config struct {
	Reference       string
	Sequences       string
	HashtagRegex    string
	EditDistance    int
	EditAlphabet    string
	BufferSize      int
	Threads         int
	KeepEmpty       bool
	Output          string
	NameColumn      string
	SequenceColumn  string
	ColumnSeparator string
	Debug           bool
}

func main() {
	var fl config
	flag.StringVar(&fl.Reference, "reference", "", "tab-separated reference file containing hash tag sequences and names (required)")
	flag.StringVar(&fl.Sequences, "sequences", "", "FASTQ file containing hash tag sequences (required)")
	flag.StringVar(&fl.HashtagRegex, "hashtag-regex", `(.*)(?P<HTO>[ATGCN]{15})`, "regular expression parsing the hash tag (HTO) from read headers")
	flag.IntVar(&fl.EditDistance, "edit-distance", 1, "maximum allowed edit distance for hash tag sequences")
	flag.StringVar(&fl.EditAlphabet, "edit-alphabet", "ACGTN", "alphabet used to create edited hash tag sequences (N, ACGT or ACGTN)")
	flag.IntVar(&fl.BufferSize, "buffer-size", 4000000, "reader buffer size in bytes; must be large enough to contain the largest record")
	flag.IntVar(&fl.Threads, "threads", 1, "number of counting workers")
	flag.BoolVar(&fl.KeepEmpty, "keep-empty", false, "classify records with empty sequences")
	flag.StringVar(&fl.Output, "output", "", "counts file (default standard output); a .sz name is snappy compressed")
	flag.StringVar(&fl.NameColumn, "name-column", "Name", "name of the reference column containing hash tag names")
	flag.StringVar(&fl.SequenceColumn, "sequence-column", "Sequence", "name of the reference column containing hash tag sequences")
	flag.StringVar(&fl.ColumnSeparator, "column-separator", "\t", "separator used in the reference file")
	flag.BoolVar(&fl.Debug, "debug", false, "specify debug logging")
	configFile := flag.String("config", "", "TOML configuration file; explicitly set flags override its values")
	showVersion := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage of %[1]s:
  $ %[1]s -reference <hashtags.txt> -sequences <input_HT.fastq.gz> [options]

Options:
`, os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("htocount version %s\n", version)
		return
	}

	cfg := fl
	if *configFile != "" {
		_, err := toml.DecodeFile(*configFile, &cfg)
		if err != nil {
			log.Fatalf("reading configuration file: %v", err)
		}
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "reference":
				cfg.Reference = fl.Reference
			case "sequences":
				cfg.Sequences = fl.Sequences
			case "hashtag-regex":
				cfg.HashtagRegex = fl.HashtagRegex
			case "edit-distance":
				cfg.EditDistance = fl.EditDistance
			case "edit-alphabet":
				cfg.EditAlphabet = fl.EditAlphabet
			case "buffer-size":
				cfg.BufferSize = fl.BufferSize
			case "threads":
				cfg.Threads = fl.Threads
			case "keep-empty":
				cfg.KeepEmpty = fl.KeepEmpty
			case "output":
				cfg.Output = fl.Output
			case "name-column":
				cfg.NameColumn = fl.NameColumn
			case "sequence-column":
				cfg.SequenceColumn = fl.SequenceColumn
			case "column-separator":
				cfg.ColumnSeparator = fl.ColumnSeparator
			case "debug":
				cfg.Debug = fl.Debug
			}
		})
	}

	if cfg.Reference == "" || cfg.Sequences == "" {
		flag.Usage()
		os.Exit(2)
	}
	if cfg.Threads < 1 {
		log.Fatalf("invalid number of threads: %d", cfg.Threads)
	}
	if cfg.BufferSize < 1 {
		log.Fatalf("invalid buffer size: %d", cfg.BufferSize)
	}

	var debug *log.Logger
	if cfg.Debug {
		debug = log.New(os.Stderr, "debug: ", log.Ltime)
	}

	pat, err := barcode.CompilePattern(cfg.HashtagRegex, "HTO")
	if err != nil {
		log.Fatal(err)
	}
	alpha, err := barcode.ParseAlphabet(cfg.EditAlphabet)
	if err != nil {
		log.Fatal(err)
	}
	sep, size := utf8.DecodeRuneInString(cfg.ColumnSeparator)
	if sep == utf8.RuneError || size != len(cfg.ColumnSeparator) {
		log.Fatalf("invalid column separator: %q", cfg.ColumnSeparator)
	}

	tags, err := sheet.ReadFile(cfg.Reference, sep, cfg.NameColumn, cfg.SequenceColumn)
	if err != nil {
		log.Fatal(err)
	}
	refs := make([]string, len(tags))
	for i, t := range tags {
		refs[i] = t.Barcode
	}
	if debug != nil {
		debug.Printf("found hash tags: %s", strings.Join(refs, ","))
	}

	hash, err := barcode.NewHash(refs, cfg.EditDistance, alpha, debug)
	if err != nil {
		log.Fatal(err)
	}

	f, err := os.Open(cfg.Sequences)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	var in io.Reader = f
	if strings.HasSuffix(cfg.Sequences, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			log.Fatalf("opening compressed input: %v", err)
		}
		defer gz.Close()
		in = gz
	}

	total, err := count(in, cfg.BufferSize, cfg.Threads, hash, pat, cfg.KeepEmpty, debug)
	if err != nil {
		log.Fatal(err)
	}

	err = writeCounts(cfg.Output, tags, total.counts)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("counted %d records: %d matched, %d ambiguous, %d unmatched",
		total.records, total.matched, total.ambiguous, total.unmatched)
}

// tally is the accumulated classification outcome of one or more chunks.
type tally struct {
	counts    map[string]int
	records   int
	matched   int
	ambiguous int
	unmatched int
	parse     time.Duration
}

// add merges o into t.
func (t *tally) add(o tally) {
	for ref, n := range o.counts {
		t.counts[ref] += n
	}
	t.records += o.records
	t.matched += o.matched
	t.ambiguous += o.ambiguous
	t.unmatched += o.unmatched
	t.parse += o.parse
}

// count drives the counting pipeline over the stream in, returning the
// merged tally of all chunks.
func count(in io.Reader, bufSize, threads int, hash barcode.Hash, pat *barcode.Pattern, keepEmpty bool, debug *log.Logger) (tally, error) {
	var (
		done     = make(chan struct{})
		stop     sync.Once
		shutdown = func() { stop.Do(func() { close(done) }) }
		errc     = make(chan error, threads+1)
	)

	total := tally{counts: make(map[string]int)}
	tallies := make(chan tally, threads)
	var cwg sync.WaitGroup
	cwg.Add(1)
	go func() {
		defer cwg.Done()
		for t := range tallies {
			total.add(t)
			if debug != nil {
				debug.Printf("chunk: %d records, parse %v", t.records, t.parse)
			}
		}
	}()

	work := make(chan []byte, threads)
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for blob := range work {
				t, err := countChunk(blob, hash, pat, keepEmpty)
				if err != nil {
					errc <- err
					shutdown()
					return
				}
				tallies <- t
			}
		}()
	}

	sc := fastq.NewScanner(in, bufSize)
scan:
	for sc.Next() {
		select {
		case work <- sc.Blob():
		case <-done:
			break scan
		}
	}
	if err := sc.Err(); err != nil {
		errc <- err
		shutdown()
	}

	close(work)
	wg.Wait()
	close(tallies)
	cwg.Wait()

	select {
	case err := <-errc:
		return total, err
	default:
	}
	return total, nil
}

// countChunk classifies the records of a single blob, tallying matches per
// reference.
func countChunk(blob []byte, hash barcode.Hash, pat *barcode.Pattern, keepEmpty bool) (tally, error) {
	start := time.Now()
	t := tally{counts: make(map[string]int)}
	sp := fastq.NewSplitter(blob)
	for sp.Next() {
		rec := sp.Record()
		t.records++
		if len(rec.Seq) == 0 && !keepEmpty {
			continue
		}
		ref, class := barcode.Classify(rec.Header, hash, pat)
		switch class {
		case barcode.Matched:
			t.counts[ref]++
			t.matched++
		case barcode.Ambiguous:
			t.ambiguous++
		case barcode.Unmatched:
			t.unmatched++
		}
	}
	err := sp.Err()
	if err != nil {
		return tally{}, err
	}
	t.parse = time.Since(start)
	return t, nil
}

// writeCounts writes the counts table for tags to the file named by out,
// or to standard output if out is empty. References with no observations
// are written with a zero count.
func writeCounts(out string, tags []sheet.Sample, counts map[string]int) error {
	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		if strings.HasSuffix(out, ".sz") {
			sz := snappy.NewBufferedWriter(f)
			defer sz.Close()
			w = sz
		} else {
			w = f
		}
	}
	return writeCountsTo(w, tags, counts)
}

// writeCountsTo writes the counts table for tags to w.
func writeCountsTo(w io.Writer, tags []sheet.Sample, counts map[string]int) error {
	bw := bufio.NewWriter(w)
	for _, t := range tags {
		_, err := fmt.Fprintf(bw, "%s\t%d\n", t.Name, counts[t.Barcode])
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}
