// Package payload defines the typed values exchanged with the analytics
// platform: tables with column roles, serializable objects and raw byte
// streams.
package payload

import (
	"fmt"
)

// Kind identifies the shape of a Payload.
type Kind int

const (
	// KindTabular is a table of typed columns.
	KindTabular Kind = iota + 1

	// KindNativeObject is an arbitrary serializable value.
	KindNativeObject

	// KindByteStream is an opaque byte sequence.
	KindByteStream
)

func (k Kind) String() string {
	switch k {
	case KindTabular:
		return "tabular"
	case KindNativeObject:
		return "native_object"
	case KindByteStream:
		return "byte_stream"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts the string form back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "tabular":
		return KindTabular, nil
	case "native_object":
		return KindNativeObject, nil
	case "byte_stream":
		return KindByteStream, nil
	}
	return 0, fmt.Errorf("unknown payload kind %q", s)
}

// Payload is a value handed to a codec or backend. Exactly one of Table,
// Object and Bytes is meaningful, selected by Kind.
type Payload struct {
	Kind   Kind
	Table  *Table
	Object interface{}
	Bytes  []byte
}

// Tabular wraps a table.
func Tabular(t *Table) Payload {
	return Payload{Kind: KindTabular, Table: t}
}

// Object wraps a serializable value.
func Object(v interface{}) Payload {
	return Payload{Kind: KindNativeObject, Object: v}
}

// ByteStream wraps raw bytes.
func ByteStream(b []byte) Payload {
	return Payload{Kind: KindByteStream, Bytes: b}
}

// Validate checks that the payload is internally consistent.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindTabular:
		if p.Table == nil {
			return fmt.Errorf("tabular payload has no table")
		}
		return p.Table.Validate()
	case KindNativeObject:
		return nil
	case KindByteStream:
		if p.Bytes == nil {
			return fmt.Errorf("byte stream payload has no bytes")
		}
		return nil
	default:
		return fmt.Errorf("invalid payload kind %d", int(p.Kind))
	}
}
