// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package barcode

// Class is the outcome of attributing a record header to a reference
// barcode.
type Class int

const (
	// Matched indicates the header's barcode is uniquely attributable
	// to one reference.
	Matched Class = iota
	// Ambiguous indicates the header's barcode is within the edit
	// distance of more than one reference.
	Ambiguous
	// Unmatched indicates the header did not match the pattern or its
	// barcode is not within the edit distance of any reference.
	Unmatched
)

// Classify extracts a barcode from header using p and attributes it to a
// reference in h. The returned reference is empty unless the class is
// Matched.
func Classify(header []byte, h Hash, p *Pattern) (ref string, c Class) {
	cb, ok := p.Extract(header)
	if !ok {
		return "", Unmatched
	}
	refs := h.Lookup(cb)
	switch len(refs) {
	case 0:
		return "", Unmatched
	case 1:
		return refs[0], Matched
	default:
		return "", Ambiguous
	}
}
