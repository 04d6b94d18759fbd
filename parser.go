package redis

import "bytes"

// Parser incrementally decodes RESP frames from a byte stream. Feed appends
// newly-received bytes; TryNext attempts to decode the next top-level
// value. A partial frame is retained internally and resumed transparently
// on the next Feed — callers never need to re-submit bytes.
//
// Once TryNext reports a grammar violation the Parser is poisoned: every
// subsequent TryNext call keeps returning that same error, and Feed stops
// growing the internal buffer. The owner is expected to tear the
// connection down at that point.
type Parser struct {
	buf      []byte
	poisoned error
}

// Feed appends data to the parser's internal buffer. It is a no-op once
// the parser is poisoned.
func (p *Parser) Feed(data []byte) {
	if p.poisoned != nil {
		return
	}
	p.buf = append(p.buf, data...)
}

// TryNext attempts to decode the next RESP value.
//
//   - (Value, true, nil)  — a value was decoded and consumed.
//   - (Value{}, false, nil) — not enough buffered data yet; call Feed and
//     retry.
//   - (Value{}, false, err) — the stream violates RESP grammar; the parser
//     is now poisoned and every later call returns the same err.
func (p *Parser) TryNext() (Value, bool, error) {
	if p.poisoned != nil {
		return Value{}, false, p.poisoned
	}

	v, n, incomplete, err := parseValue(p.buf)
	if err != nil {
		p.poisoned = err
		return Value{}, false, err
	}
	if incomplete {
		return Value{}, false, nil
	}

	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		// release the backing array rather than let it grow unbounded
		p.buf = nil
	} else if cap(p.buf) > 4*len(p.buf)+64 {
		p.buf = append([]byte(nil), p.buf...)
	}
	return v, true, nil
}

// Poisoned returns the sticky grammar-violation error, or nil.
func (p *Parser) Poisoned() error { return p.poisoned }

// readLine scans buf for a CRLF-terminated line (the CRLF itself excluded
// from the returned slice). total is the number of bytes consumed
// including the CRLF.
func readLine(buf []byte) (line []byte, total int, incomplete bool, err error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(buf) > 1<<20 {
			return nil, 0, false, protocolErrorf("line exceeds 1MiB without CRLF")
		}
		return nil, 0, true, nil
	}
	if idx == 0 || buf[idx-1] != '\r' {
		return nil, 0, false, protocolErrorf("missing CRLF before line feed: %q", truncate(buf[:idx+1]))
	}
	return buf[:idx-1], idx + 1, false, nil
}

func truncate(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}

// parseLength parses a RESP length field (used for bulk and array
// headers): an optional leading '-' followed by one or more digits. -1 is
// a valid sentinel for "null"; any other negative value is a grammar
// violation.
func parseLength(line []byte) (int64, error) {
	if len(line) == 0 {
		return 0, protocolErrorf("empty length field")
	}
	i := 0
	neg := false
	if line[0] == '-' {
		neg = true
		i = 1
	}
	if i == len(line) {
		return 0, protocolErrorf("malformed length %q", line)
	}
	for ; i < len(line); i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, protocolErrorf("non-numeric length %q", line)
		}
	}
	n := ParseInt(line)
	if neg && n != -1 {
		return 0, protocolErrorf("negative length %q other than -1", line)
	}
	if !neg {
		_ = n
	}
	return n, nil
}

// parseValue attempts to decode one top-level RESP value starting at
// buf[0]. consumed counts only on full success.
func parseValue(buf []byte) (v Value, consumed int, incomplete bool, err error) {
	if len(buf) == 0 {
		return Value{}, 0, true, nil
	}

	prefix := buf[0]
	switch prefix {
	case '+', '-':
		line, n, inc, lerr := readLine(buf[1:])
		if lerr != nil {
			return Value{}, 0, false, lerr
		}
		if inc {
			return Value{}, 0, true, nil
		}
		kind := SimpleString
		if prefix == '-' {
			kind = ErrorReply
		}
		return Value{Kind: kind, Str: string(line)}, 1 + n, false, nil

	case ':':
		line, n, inc, lerr := readLine(buf[1:])
		if lerr != nil {
			return Value{}, 0, false, lerr
		}
		if inc {
			return Value{}, 0, true, nil
		}
		if len(line) == 0 || !isSignedDecimal(line) {
			return Value{}, 0, false, protocolErrorf("malformed integer %q", line)
		}
		return Value{Kind: Integer, Int: ParseInt(line)}, 1 + n, false, nil

	case '$':
		line, n, inc, lerr := readLine(buf[1:])
		if lerr != nil {
			return Value{}, 0, false, lerr
		}
		if inc {
			return Value{}, 0, true, nil
		}
		size, perr := parseLength(line)
		if perr != nil {
			return Value{}, 0, false, perr
		}
		total := 1 + n
		if size < 0 {
			return Value{Kind: Bulk, Bulk: nil}, total, false, nil
		}
		need := int(size) + 2
		rest := buf[total:]
		if len(rest) < need {
			return Value{}, 0, true, nil
		}
		if rest[size] != '\r' || rest[size+1] != '\n' {
			return Value{}, 0, false, protocolErrorf("bulk string missing trailing CRLF")
		}
		data := append([]byte(nil), rest[:size]...)
		return Value{Kind: Bulk, Bulk: data}, total + need, false, nil

	case '*':
		line, n, inc, lerr := readLine(buf[1:])
		if lerr != nil {
			return Value{}, 0, false, lerr
		}
		if inc {
			return Value{}, 0, true, nil
		}
		size, perr := parseLength(line)
		if perr != nil {
			return Value{}, 0, false, perr
		}
		total := 1 + n
		if size < 0 {
			return Value{Kind: Array, Array: nil}, total, false, nil
		}
		elems := make([]Value, 0, size)
		for i := int64(0); i < size; i++ {
			elem, elemN, elemInc, elemErr := parseValue(buf[total:])
			if elemErr != nil {
				return Value{}, 0, false, elemErr
			}
			if elemInc {
				return Value{}, 0, true, nil
			}
			elems = append(elems, elem)
			total += elemN
		}
		return Value{Kind: Array, Array: elems}, total, false, nil

	default:
		return Value{}, 0, false, protocolErrorf("unknown type prefix %q", prefix)
	}
}

func isSignedDecimal(line []byte) bool {
	i := 0
	if line[0] == '-' {
		i = 1
	}
	if i == len(line) {
		return false
	}
	for ; i < len(line); i++ {
		if line[i] < '0' || line[i] > '9' {
			return false
		}
	}
	return true
}
