package redis

import (
	"fmt"
	"strings"
)

// Kind discriminates the RESP value variants.
type Kind byte

const (
	// SimpleString is a `+...` frame.
	SimpleString Kind = iota
	// ErrorReply is a `-...` frame.
	ErrorReply
	// Integer is a `:...` frame.
	Integer
	// Bulk is a `$...` frame. A nil Value.Bulk represents the null bulk
	// string; a non-nil, zero-length slice represents the empty string.
	Bulk
	// Array is a `*...` frame. A nil Value.Array represents the null
	// array; a non-nil, zero-length slice represents the empty array.
	Array
)

func (k Kind) String() string {
	switch k {
	case SimpleString:
		return "simple string"
	case ErrorReply:
		return "error"
	case Integer:
		return "integer"
	case Bulk:
		return "bulk string"
	case Array:
		return "array"
	default:
		return "unknown"
	}
}

// Value is a decoded RESP reply: a tagged variant over simple string,
// error, integer, bulk string, and array. Only the field matching Kind is
// meaningful, except that a Bulk value decoded with an Encoding also
// carries its text in Str.
type Value struct {
	Kind  Kind
	Str   string  // SimpleString or ErrorReply text; decoded text of a Bulk
	Int   int64   // Integer
	Bulk  []byte  // Bulk; nil means the null bulk
	Array []Value // Array; nil means the null array
}

// IsNull reports whether the value is a null bulk string or null array.
func (v Value) IsNull() bool {
	return (v.Kind == Bulk && v.Bulk == nil) || (v.Kind == Array && v.Array == nil)
}

// Err returns a ReplyError carrying the verbatim server message when Kind
// is ErrorReply, or nil otherwise.
func (v Value) Err() error {
	if v.Kind == ErrorReply {
		return ReplyError(v.Str)
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case SimpleString:
		return v.Str
	case ErrorReply:
		return "(error) " + v.Str
	case Integer:
		return fmt.Sprintf("(integer) %d", v.Int)
	case Bulk:
		if v.Bulk == nil {
			return "(nil)"
		}
		return fmt.Sprintf("%q", v.Bulk)
	case Array:
		if v.Array == nil {
			return "(nil)"
		}
		return fmt.Sprintf("%v", v.Array)
	default:
		return "(unknown)"
	}
}

// isPushEnvelope reports whether v is a pub/sub push: an array whose first
// element is one of subscribe/unsubscribe/psubscribe/punsubscribe/message/
// pmessage, matched case-insensitively as the wire mandates lower-case but
// defensively normalized here.
func isPushEnvelope(v Value) (kind string, ok bool) {
	if v.Kind != Array || len(v.Array) == 0 {
		return "", false
	}
	head := v.Array[0]
	if head.Kind != Bulk || head.Bulk == nil {
		return "", false
	}
	s := strings.ToLower(string(head.Bulk))
	switch s {
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe", "message", "pmessage":
		return s, true
	default:
		return "", false
	}
}
