package redis

import (
	"strconv"
	"strings"
)

// ArgValue is the small sum type command arguments convert to before any
// I/O happens. Text is a string written to the wire as its UTF-8 bytes,
// UTF-8 being the only text encoding this package supports; Bytes is a raw
// byte string; Integer is stringified
// in ASCII decimal. Anything that doesn't fit one of these three shapes is
// a type error.
type ArgValue struct {
	text  string
	bytes []byte
	num   int64
	kind  argKind
}

type argKind byte

const (
	argText argKind = iota
	argBytes
	argInt
)

// Text wraps a string argument.
func Text(s string) ArgValue { return ArgValue{kind: argText, text: s} }

// Bytes wraps a raw byte-string argument.
func Bytes(b []byte) ArgValue { return ArgValue{kind: argBytes, bytes: b} }

// Int wraps an integer argument; it is encoded in ASCII decimal.
func Int(n int64) ArgValue { return ArgValue{kind: argInt, num: n} }

// toArg converts an arbitrary caller-supplied value (string, []byte, or
// any Go integer type) into an ArgValue, or reports a type error. This is
// the synchronous validation boundary: violations never enqueue a waiter
// or touch the network.
func toArg(v interface{}) (ArgValue, error) {
	switch x := v.(type) {
	case ArgValue:
		return x, nil
	case string:
		return Text(x), nil
	case []byte:
		return Bytes(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Int(int64(x)), nil
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return Int(int64(x)), nil
	default:
		return ArgValue{}, redisErrorf("argument of type %T is not text, bytes, or an integer", v)
	}
}

// bytesOf renders an ArgValue to its wire byte-string form.
func (a ArgValue) bytesOf() []byte {
	switch a.kind {
	case argBytes:
		return a.bytes
	case argInt:
		return strconv.AppendInt(nil, a.num, 10)
	default:
		return []byte(a.text)
	}
}

// Command is an ordered sequence of byte-string arguments; the first
// element is the command name. Name matching for routing decisions is
// case-insensitive.
type Command struct {
	args [][]byte
}

// NewCommand validates and builds a Command from a name and argument list.
// name must be non-empty text or bytes; each arg must convert via toArg.
// No I/O happens here — invalid input returns an error synchronously
// without mutating any connection state.
func NewCommand(name interface{}, args ...interface{}) (*Command, error) {
	nameArg, err := toArg(name)
	if err != nil {
		return nil, redisErrorf("command name: %s", err)
	}
	if nameArg.kind == argInt {
		return nil, redisErrorf("command name must be text or bytes, got %T", name)
	}
	nameBytes := nameArg.bytesOf()
	if len(nameBytes) == 0 {
		return nil, redisErrorf("command name must not be empty")
	}

	cmd := &Command{args: make([][]byte, 0, 1+len(args))}
	cmd.args = append(cmd.args, nameBytes)
	for i, a := range args {
		av, err := toArg(a)
		if err != nil {
			return nil, redisErrorf("argument %d: %s", i, err)
		}
		cmd.args = append(cmd.args, av.bytesOf())
	}
	return cmd, nil
}

// Name returns the command name in upper case, for routing/admission
// decisions.
func (c *Command) Name() string {
	if len(c.args) == 0 {
		return ""
	}
	return strings.ToUpper(string(c.args[0]))
}

// Args returns the argument byte-strings following the command name.
func (c *Command) Args() [][]byte { return c.args[1:] }

// Encode appends the RESP wire encoding (an array of bulk strings) to buf
// and returns the extended slice.
func (c *Command) Encode(buf []byte) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(c.args)), 10)
	buf = append(buf, '\r', '\n')
	for _, arg := range c.args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, arg...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}

var pubsubCommandNames = map[string]bool{
	"SUBSCRIBE": true, "UNSUBSCRIBE": true, "PSUBSCRIBE": true, "PUNSUBSCRIBE": true,
}

// allowedInPubSub reports whether cmd may be submitted while the
// Connection is in subscribe mode: the pub/sub family plus PING/QUIT.
func allowedInPubSub(name string) bool {
	name = strings.ToUpper(name)
	return pubsubCommandNames[name] || name == "PING" || name == "QUIT"
}
