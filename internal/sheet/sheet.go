// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sheet reads sample sheet tables mapping sample names to barcode
// sequences.
package sheet

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// Sample is a single sample sheet row.
type Sample struct {
	Name    string
	Barcode string
}

// Read reads a sample sheet from r. The first row must be a header
// containing nameCol and seqCol; other columns are ignored. Rows are
// returned in file order. Duplicate sample names and duplicate barcodes
// are rejected.
func Read(r io.Reader, comma rune, nameCol, seqCol string) ([]Sample, error) {
	c := csv.NewReader(r)
	c.Comma = comma

	header, err := c.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("sheet: empty sample sheet")
		}
		return nil, fmt.Errorf("sheet: reading header: %w", err)
	}
	name, seq := -1, -1
	for i, col := range header {
		switch col {
		case nameCol:
			name = i
		case seqCol:
			seq = i
		}
	}
	if name < 0 {
		return nil, fmt.Errorf("sheet: no %q column in sample sheet", nameCol)
	}
	if seq < 0 {
		return nil, fmt.Errorf("sheet: no %q column in sample sheet", seqCol)
	}

	var (
		samples  []Sample
		names    = make(map[string]bool)
		barcodes = make(map[string]string)
	)
	for {
		row, err := c.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sheet: reading sample sheet: %w", err)
		}
		s := Sample{Name: row[name], Barcode: row[seq]}
		if s.Name == "" {
			return nil, fmt.Errorf("sheet: empty sample name for barcode %q", s.Barcode)
		}
		if s.Barcode == "" {
			return nil, fmt.Errorf("sheet: empty barcode for sample %q", s.Name)
		}
		if names[s.Name] {
			return nil, fmt.Errorf("sheet: duplicate sample name: %q", s.Name)
		}
		names[s.Name] = true
		if prev, ok := barcodes[s.Barcode]; ok {
			return nil, fmt.Errorf("sheet: barcode %q shared by samples %q and %q", s.Barcode, prev, s.Name)
		}
		barcodes[s.Barcode] = s.Name
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("sheet: no samples in sample sheet")
	}
	return samples, nil
}

// ReadFile reads a sample sheet from the file at path.
func ReadFile(path string, comma rune, nameCol, seqCol string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, comma, nameCol, seqCol)
}
