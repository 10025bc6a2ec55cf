// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package lifecycle

import (
	"bufio"
	"bytes"
)

// condenseStack rewrites a full goroutine dump into one "\tfunc:line"
// per frame, dropping arguments, addresses and the created-by
// trailers. A dump that fails to parse is returned as is.
func condenseStack(dump []byte) (out []byte) {
	defer func() {
		if recover() != nil {
			out = dump
		}
	}()

	scanner := bufio.NewScanner(bytes.NewReader(dump))
	skip := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		if skip > 0 {
			skip--
			continue
		}

		switch {
		case len(line) == 0:
			out = append(out, '\n')

		case bytes.HasPrefix(line, []byte("goroutine ")):
			// "goroutine 7 [select]:" becomes "goroutine 7".
			rest := line[len("goroutine "):]
			id := rest[:bytes.IndexByte(rest, ' ')]
			out = append(out, "goroutine "...)
			out = append(out, id...)
			out = append(out, '\n')

		case line[0] == '\t':
			// The indented file line keeps only its line number,
			// completing the "func:" emitted for the line above it.
			tail := line[bytes.LastIndexByte(line, ':')+1:]
			if n := bytes.IndexByte(tail, ' '); n >= 0 {
				tail = tail[:n]
			}
			out = append(out, tail...)
			out = append(out, '\n')

		case bytes.HasPrefix(line, []byte("created by")):
			skip = 1

		default:
			// A function line loses its argument list.
			out = append(out, '\t')
			out = append(out, line[:bytes.LastIndexByte(line, '(')]...)
			out = append(out, ':')
		}
	}

	if scanner.Err() != nil {
		return dump
	}
	return out
}
