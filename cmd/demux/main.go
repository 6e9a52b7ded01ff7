// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// demux is a streamed parallel demultiplexer for FASTQ files. It splits
// reads into one compressed output file per sample according to a cell
// barcode embedded in the read header, tolerating a bounded number of
// substitutions between the observed barcode and the sample sheet
// barcodes. Reads whose barcode cannot be uniquely attributed to a sample
// are optionally collected into an unmatched output file.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/stat"

	"github.com/kortschak/demux/barcode"
	"github.com/kortschak/demux/fastq"
	"github.com/kortschak/demux/internal/sheet"
)

const version = "0.6"

// queueDepth is the bound on each writer shard's queue. Workers block on
// enqueue when a queue is full, throttling the reader transparently.
const queueDepth = 8

// config holds the run parameters. Fields may be set from a TOML
// configuration file and are overridden by explicitly set flags.
type config struct {
	Fastq           string
	Samplesheet     string
	BarcodeRegex    string
	EditDistance    int
	EditAlphabet    string
	BufferSize      int
	Threads         int
	WriterThreads   int
	WriteUnmatched  bool
	KeepEmpty       bool
	Output          string
	Suffix          string
	SampleColumn    string
	BarcodeColumn   string
	ColumnSeparator string
	Debug           bool
}

func main() {
	var fl config
	flag.StringVar(&fl.Fastq, "fastq", "", "FASTQ file to demultiplex (required)")
	flag.StringVar(&fl.Samplesheet, "samplesheet", "", "sample sheet containing barcodes and sample names (required)")
	flag.StringVar(&fl.BarcodeRegex, "barcode-regex", `(.*):(?P<CB>[ATGCN]{11})`, "regular expression parsing the cell barcode (CB) from read headers")
	flag.IntVar(&fl.EditDistance, "edit-distance", 1, "maximum allowed edit distance for barcodes")
	flag.StringVar(&fl.EditAlphabet, "edit-alphabet", "ACGTN", "alphabet used to create edited barcodes (N, ACGT or ACGTN)")
	flag.IntVar(&fl.BufferSize, "buffer-size", 4000000, "reader buffer size in bytes; must be large enough to contain the largest record")
	flag.IntVar(&fl.Threads, "threads", 1, "number of demultiplexing workers")
	flag.IntVar(&fl.WriterThreads, "writer-threads", 2, "number of writer shards")
	flag.BoolVar(&fl.WriteUnmatched, "write-unmatched", false, "write reads with unmatched barcodes to an unmatched output file")
	flag.BoolVar(&fl.KeepEmpty, "keep-empty", false, "keep empty sequences in demultiplexed output files")
	flag.StringVar(&fl.Output, "output", ".", "output directory for individual FASTQ files")
	flag.StringVar(&fl.Suffix, "suffix", ".fastq.gz", "suffix appended to individual output files")
	flag.StringVar(&fl.SampleColumn, "sample-column", "Sample", "name of the sample sheet column containing sample names")
	flag.StringVar(&fl.BarcodeColumn, "barcode-column", "Barcode", "name of the sample sheet column containing barcodes")
	flag.StringVar(&fl.ColumnSeparator, "column-separator", "\t", "separator used in the sample sheet")
	flag.BoolVar(&fl.Debug, "debug", false, "specify debug logging")
	configFile := flag.String("config", "", "TOML configuration file; explicitly set flags override its values")
	showVersion := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage of %[1]s:
  $ %[1]s -fastq <input.fastq.gz> -samplesheet <samplesheet.txt> [options]

Options:
`, os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("demux version %s\n", version)
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
			case "fastq":
				cfg.Fastq = fl.Fastq
			case "samplesheet":
				cfg.Samplesheet = fl.Samplesheet
			case "barcode-regex":
				cfg.BarcodeRegex = fl.BarcodeRegex
			case "edit-distance":
				cfg.EditDistance = fl.EditDistance
			case "edit-alphabet":
				cfg.EditAlphabet = fl.EditAlphabet
			case "buffer-size":
				cfg.BufferSize = fl.BufferSize
			case "threads":
				cfg.Threads = fl.Threads
			case "writer-threads":
				cfg.WriterThreads = fl.WriterThreads
			case "write-unmatched":
				cfg.WriteUnmatched = fl.WriteUnmatched
			case "keep-empty":
				cfg.KeepEmpty = fl.KeepEmpty
			case "output":
				cfg.Output = fl.Output
			case "suffix":
				cfg.Suffix = fl.Suffix
			case "sample-column":
				cfg.SampleColumn = fl.SampleColumn
			case "barcode-column":
				cfg.BarcodeColumn = fl.BarcodeColumn
			case "column-separator":
				cfg.ColumnSeparator = fl.ColumnSeparator
			case "debug":
				cfg.Debug = fl.Debug
			}
		})
	}

	if cfg.Fastq == "" || cfg.Samplesheet == "" {
		flag.Usage()
		os.Exit(2)
	}
	if cfg.Threads < 1 {
		log.Fatalf("invalid number of threads: %d", cfg.Threads)
	}
	if cfg.WriterThreads < 2 {
		log.Fatalf("invalid number of writer threads: %d (at least 2 are required)", cfg.WriterThreads)
	}
	if cfg.BufferSize < 1 {
		log.Fatalf("invalid buffer size: %d", cfg.BufferSize)
	}

	var debug *log.Logger
	if cfg.Debug {
		debug = log.New(os.Stderr, "debug: ", log.Ltime)
	}

	pat, err := barcode.CompilePattern(cfg.BarcodeRegex, "CB")
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

	samples, err := sheet.ReadFile(cfg.Samplesheet, sep, cfg.SampleColumn, cfg.BarcodeColumn)
	if err != nil {
		log.Fatal(err)
	}
	refs := make([]string, len(samples))
	for i, s := range samples {
		refs[i] = s.Barcode
	}
	if debug != nil {
		debug.Printf("found barcodes: %s", strings.Join(refs, ","))
	}

	hash, err := barcode.NewHash(refs, cfg.EditDistance, alpha, debug)
	if err != nil {
		log.Fatal(err)
	}

	f, err := os.Open(cfg.Fastq)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	var in io.Reader = f
	if strings.HasSuffix(cfg.Fastq, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			log.Fatalf("opening compressed input: %v", err)
		}
		defer gz.Close()
		in = gz
	}

	if debug != nil {
		debug.Printf("working on %s using %d threads", cfg.Fastq, cfg.Threads)
	}
	err = run(cfg, in, hash, pat, samples, debug)
	if err != nil {
		log.Fatal(err)
	}
}

// run drives the demultiplexing pipeline: a scanner cutting the input into
// record-aligned blobs, a pool of workers classifying and routing records,
// and a set of writer shards draining per-shard queues into compressed
// output files. On input exhaustion the work channel is closed, workers
// are joined, one termination sentinel is posted to every shard queue and
// the shards are joined. A fatal error anywhere cancels the reader loop
// and is returned after the pipeline has drained.
func run(cfg config, in io.Reader, hash barcode.Hash, pat *barcode.Pattern, samples []sheet.Sample, debug *log.Logger) error {
	var shards []*shard
	route := make(map[string]chan payload)
	closeShards := func() {
		for _, s := range shards {
			s.close()
		}
	}
	if cfg.WriteUnmatched {
		s, err := newShard(cfg.Output, cfg.Suffix, []sheet.Sample{{Name: unmatchedKey, Barcode: unmatchedKey}}, queueDepth)
		if err != nil {
			return err
		}
		shards = append(shards, s)
		route[unmatchedKey] = s.queue
	}
	for _, g := range partition(samples, cfg.WriterThreads-1) {
		if len(g) == 0 {
			continue
		}
		s, err := newShard(cfg.Output, cfg.Suffix, g, queueDepth)
		if err != nil {
			closeShards()
			return err
		}
		shards = append(shards, s)
		for _, sm := range g {
			route[sm.Barcode] = s.queue
		}
	}

	var (
		done     = make(chan struct{})
		stop     sync.Once
		shutdown = func() { stop.Do(func() { close(done) }) }
		errc     = make(chan error, cfg.Threads+len(shards)+1)
	)
	fail := func(err error) {
		errc <- err
		shutdown()
	}

	var wwg sync.WaitGroup
	counts := make([]int, len(shards))
	for i, s := range shards {
		wwg.Add(1)
		go func(i int, s *shard) {
			defer wwg.Done()
			n, err := s.run()
			counts[i] = n
			if err != nil {
				fail(err)
			}
		}(i, s)
	}

	// Progress aggregation.
	var (
		records  int
		chunks   int
		parseSec []float64
		routeSec []float64

		swg sync.WaitGroup
	)
	stats := make(chan progress, cfg.Threads)
	swg.Add(1)
	go func() {
		defer swg.Done()
		for p := range stats {
			records += p.records
			chunks++
			parseSec = append(parseSec, p.parse.Seconds())
			routeSec = append(routeSec, p.route.Seconds())
			if debug != nil {
				debug.Printf("chunk: %d records, parse %v, route %v", p.records, p.parse, p.route)
			}
		}
	}()

	work := make(chan []byte, cfg.Threads)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for blob := range work {
				p, err := demultChunk(blob, hash, pat, route, cfg.WriteUnmatched, cfg.KeepEmpty, done)
				if err != nil {
					if err != errShutdown {
						fail(err)
					}
					return
				}
				stats <- p
			}
		}()
	}

	sc := fastq.NewScanner(in, cfg.BufferSize)
scan:
	for sc.Next() {
		select {
		case work <- sc.Blob():
		case <-done:
			break scan
		}
	}
	if err := sc.Err(); err != nil {
		fail(err)
	}

	close(work)
	wg.Wait()
	close(stats)
	swg.Wait()
	for _, s := range shards {
		s.queue <- payload{}
	}
	wwg.Wait()

	if chunks != 0 {
		log.Printf("processed %d records in %d chunks (mean parse %.4fs, mean route %.4fs per chunk)",
			records, chunks, stat.Mean(parseSec, nil), stat.Mean(routeSec, nil))
	}
	for i, n := range counts {
		log.Printf("writer %d wrote %d payloads", i, n)
	}

	select {
	case err := <-errc:
		return err
	default:
	}
	return nil
}
