package stream

import (
	"bufio"
	"bytes"
)

// SplitLines splits on '\n', dropping a trailing '\r'. A final line with
// no newline is still returned when the upstream closes, so a partial
// trailing frame is never lost.
func SplitLines(data []byte, atEOF bool) (int, []byte, error) {
	return bufio.ScanLines(data, atEOF)
}

// SplitRaw returns whatever bytes are buffered as one frame. It is used
// for upstreams that stream plain text with no framing at all.
func SplitRaw(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	return len(data), data, nil
}

// SplitMarker splits on whichever comes first: a newline or marker. Some
// upstream deployments concatenate JSON objects separated by a fixed
// marker string instead of newlines; this handles both. An empty marker
// behaves like SplitLines.
func SplitMarker(marker string) bufio.SplitFunc {
	if marker == "" {
		return SplitLines
	}
	sep := []byte(marker)

	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}

		nl := bytes.IndexByte(data, '\n')
		at := bytes.Index(data, sep)

		switch {
		case at >= 0 && (nl < 0 || at < nl):
			return at + len(sep), data[:at], nil
		case nl >= 0:
			return nl + 1, dropCR(data[:nl]), nil
		case atEOF:
			return len(data), data, nil
		}

		// Request more data. The marker may be split across reads.
		return 0, nil, nil
	}
}

func dropCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}
