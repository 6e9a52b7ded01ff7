// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package barcode

import (
	"fmt"
	"regexp"
)

// Pattern extracts a barcode from a record header using a compiled regular
// expression with a named capture group. A Pattern is built once and is
// safe for concurrent use.
type Pattern struct {
	re    *regexp.Regexp
	group int
}

// CompilePattern compiles expr and verifies that it captures a group named
// group.
func CompilePattern(expr, group string) (*Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("barcode: invalid pattern %q: %w", expr, err)
	}
	for i, name := range re.SubexpNames() {
		if name == group {
			return &Pattern{re: re, group: i}, nil
		}
	}
	return nil, fmt.Errorf("barcode: no %s group in pattern %q", group, expr)
}

// Extract returns the barcode captured from header, or nil and false if
// the header does not match the pattern or the group did not participate
// in the match.
func (p *Pattern) Extract(header []byte) ([]byte, bool) {
	m := p.re.FindSubmatchIndex(header)
	if m == nil {
		return nil, false
	}
	lo, hi := m[2*p.group], m[2*p.group+1]
	if lo < 0 {
		return nil, false
	}
	return header[lo:hi], true
}
