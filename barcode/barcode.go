// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package barcode provides approximate matching of short nucleic acid
// barcodes against a known reference set.
//
// Matching is performed by a precomputed hash mapping every sequence within
// a fixed Hamming distance of a reference barcode to the set of references
// that could have produced it. References may differ in length; mutated
// positions are enumerated up to the longest reference and substitutions
// beyond a reference's own length are skipped. Every key has the length of
// the reference it was derived from, so references of different lengths
// never share a key; ambiguity arises only among references of equal length.
package barcode

import (
	"fmt"
	"log"
)

// validLetter marks the letters permitted in reference barcodes: the
// unambiguous DNA letters and N. IUPAC ambiguity codes are rejected.
var validLetter = func() [256]bool {
	var ok [256]bool
	for _, l := range []byte("ACGTN") {
		ok[l] = true
	}
	return ok
}()

// Hash maps every sequence within the construction edit distance of a
// reference barcode to the set of reference barcodes that could have
// produced it. A Hash is built once and is safe for concurrent lookup.
type Hash map[string][]string

// NewHash returns a Hash over refs permitting up to dist substitutions
// drawn from the letters of alpha. Every reference maps to itself,
// whatever the distance. If logger is not nil, construction parameters
// are logged to it.
func NewHash(refs []string, dist int, alpha []byte, logger *log.Logger) (Hash, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("barcode: no reference barcodes")
	}
	if dist < 0 {
		return nil, fmt.Errorf("barcode: negative edit distance: %d", dist)
	}
	seen := make(map[string]bool, len(refs))
	var maxLen int
	for _, r := range refs {
		if r == "" {
			return nil, fmt.Errorf("barcode: empty reference barcode")
		}
		if seen[r] {
			return nil, fmt.Errorf("barcode: duplicate reference barcode: %q", r)
		}
		seen[r] = true
		for i := 0; i < len(r); i++ {
			if !validLetter[r[i]] {
				return nil, fmt.Errorf("barcode: invalid letter %q in reference barcode %q", r[i], r)
			}
		}
		if len(r) > maxLen {
			maxLen = len(r)
		}
	}
	if len(alpha) == 0 && dist > 0 {
		return nil, fmt.Errorf("barcode: empty edit alphabet")
	}
	if logger != nil {
		logger.Printf("building mutation hash for %d barcodes with edit distance %d over %q", len(refs), dist, alpha)
	}

	h := make(Hash)
	for _, r := range refs {
		h.add(r, r)
	}
	if dist == 0 {
		return h, nil
	}

	scratch := make([]byte, maxLen)
	letters := make([]byte, dist)
	err := combinations(maxLen, dist, func(pos []int) error {
		for _, r := range refs {
			// Substitutions are applied only when all chosen
			// positions fall within the reference.
			if pos[len(pos)-1] >= len(r) {
				continue
			}
			n := copy(scratch, r)
			err := product(alpha, letters, func(sub []byte) error {
				for i, p := range pos {
					scratch[p] = sub[i]
				}
				h.add(string(scratch[:n]), r)
				// Restore for the next assignment.
				for _, p := range pos {
					scratch[p] = r[p]
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// add records that key is reachable from ref.
func (h Hash) add(key, ref string) {
	for _, r := range h[key] {
		if r == ref {
			return
		}
	}
	h[key] = append(h[key], ref)
}

// Lookup returns the set of references within the construction distance of
// s. An empty result means s is not attributable to any reference; a result
// holding more than one reference means s is ambiguous.
func (h Hash) Lookup(s []byte) []string {
	return h[string(s)]
}

// combinations calls fn with each sorted k-combination of {0..n-1}. The
// slice passed to fn is reused between calls.
func combinations(n, k int, fn func([]int) error) error {
	if k > n {
		return nil
	}
	pos := make([]int, k)
	for i := range pos {
		pos[i] = i
	}
	for {
		err := fn(pos)
		if err != nil {
			return err
		}
		i := k - 1
		for i >= 0 && pos[i] == n-k+i {
			i--
		}
		if i < 0 {
			return nil
		}
		pos[i]++
		for j := i + 1; j < k; j++ {
			pos[j] = pos[j-1] + 1
		}
	}
}

// product calls fn with each assignment of letters from alpha to the
// elements of dst. The slice passed to fn is reused between calls.
func product(alpha, dst []byte, fn func([]byte) error) error {
	idx := make([]int, len(dst))
	for {
		for i, j := range idx {
			dst[i] = alpha[j]
		}
		err := fn(dst)
		if err != nil {
			return err
		}
		i := len(idx) - 1
		for i >= 0 && idx[i] == len(alpha)-1 {
			idx[i] = 0
			i--
		}
		if i < 0 {
			return nil
		}
		idx[i]++
	}
}

// ParseAlphabet returns the edit alphabet named by s. The accepted names
// are "N", "ACGT" and "ACGTN".
func ParseAlphabet(s string) ([]byte, error) {
	switch s {
	case "N", "ACGT", "ACGTN":
		return []byte(s), nil
	}
	return nil, fmt.Errorf("barcode: invalid edit alphabet: %q", s)
}
