// Copyright 2026 The Skiff Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import "bytes"

// lineFramer turns an arbitrarily chunked byte stream into discrete
// lines. Bytes after the last newline are buffered until a later
// chunk completes the line, so the decoded line sequence is identical
// no matter how the stream is split across reads.
type lineFramer struct {
	pending []byte
}

// split appends chunk to the buffered prefix and returns every
// complete line, trimmed of surrounding whitespace, with blank lines
// dropped. The returned slices are copies; callers may retain them
// after the next split call.
func (framer *lineFramer) split(chunk []byte) [][]byte {
	framer.pending = append(framer.pending, chunk...)

	var lines [][]byte
	start := 0
	for {
		offset := bytes.IndexByte(framer.pending[start:], '\n')
		if offset < 0 {
			break
		}
		line := bytes.TrimSpace(framer.pending[start : start+offset])
		if len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		start += offset + 1
	}

	framer.pending = append(framer.pending[:0], framer.pending[start:]...)
	return lines
}
