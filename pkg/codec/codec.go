// Package codec converts payloads to and from their stored byte form.
//
// The container layout is:
//
//	magic "MLRC" | format version (1 byte) | header length (uint32, big endian) | header JSON | body
//
// The header carries the schema version, the payload kind and, for tables,
// the column names, types, roles and storage classes. The body holds the
// bulk data encoded with msgpack, or the raw bytes of a byte stream.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/payload"
)

const (
	formatVersion byte = 1

	// SchemaVersion is the header schema written by this package.
	SchemaVersion = 1
)

var magic = []byte("MLRC")

// Storage classes of a column block.
const (
	storageInt    = "int64"
	storageFloat  = "float64"
	storageString = "string"
	storageBool   = "bool"
	storageTime   = "time"
	storageEmpty  = "empty"
)

type header struct {
	Schema  int            `json:"schema"`
	Kind    string         `json:"kind"`
	Rows    int            `json:"rows,omitempty"`
	Columns []columnHeader `json:"columns,omitempty"`
}

type columnHeader struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Storage string `json:"storage"`
}

// columnBlock is the bulk data of one column. Only the slice matching the
// storage class is populated; Missing marks nil cells.
type columnBlock struct {
	Missing []bool    `msgpack:"m,omitempty"`
	Ints    []int64   `msgpack:"i,omitempty"`
	Floats  []float64 `msgpack:"f,omitempty"`
	Strings []string  `msgpack:"s,omitempty"`
	Bools   []bool    `msgpack:"b,omitempty"`
}

// Encode serializes a payload.
func Encode(p payload.Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid payload", err).WithOp("encode")
	}

	h := header{Schema: SchemaVersion, Kind: p.Kind.String()}
	var body []byte
	var err error

	switch p.Kind {
	case payload.KindTabular:
		body, err = encodeTable(p.Table, &h)
	case payload.KindNativeObject:
		body, err = msgpack.Marshal(p.Object)
		if err != nil {
			err = errs.Wrap(errs.KindUnsupportedType, "object has no wire representation", err)
		}
	case payload.KindByteStream:
		body = p.Bytes
	}
	if err != nil {
		return nil, err
	}

	hb, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(magic) + 5 + len(hb) + len(body))
	buf.Write(magic)
	buf.WriteByte(formatVersion)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(hb)))
	buf.Write(lenBuf[:])
	buf.Write(hb)
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses stored bytes. A non-zero expected kind must match the kind
// recorded in the header.
func Decode(data []byte, expected payload.Kind) (payload.Payload, error) {
	h, body, err := readHeader(data)
	if err != nil {
		return payload.Payload{}, err
	}

	kind, err := payload.ParseKind(h.Kind)
	if err != nil {
		return payload.Payload{}, errs.Wrap(errs.KindCorruptPayload, "unknown payload kind in header", err)
	}
	if expected != 0 && expected != kind {
		return payload.Payload{}, errs.Newf(errs.KindCorruptPayload, "expected %s payload, found %s", expected, kind)
	}

	switch kind {
	case payload.KindTabular:
		t, err := decodeTable(h, body)
		if err != nil {
			return payload.Payload{}, err
		}
		return payload.Tabular(t), nil
	case payload.KindNativeObject:
		dec := msgpack.NewDecoder(bytes.NewReader(body))
		dec.UseLooseInterfaceDecoding(true)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return payload.Payload{}, errs.Wrap(errs.KindCorruptPayload, "failed to decode object body", err)
		}
		return payload.Object(v), nil
	default:
		out := make([]byte, len(body))
		copy(out, body)
		return payload.ByteStream(out), nil
	}
}

// Peek returns the payload kind recorded in the header without decoding
// the body.
func Peek(data []byte) (payload.Kind, error) {
	h, _, err := readHeader(data)
	if err != nil {
		return 0, err
	}
	kind, err := payload.ParseKind(h.Kind)
	if err != nil {
		return 0, errs.Wrap(errs.KindCorruptPayload, "unknown payload kind in header", err)
	}
	return kind, nil
}

// ObjectInto decodes a native object payload into dst.
func ObjectInto(p payload.Payload, dst interface{}) error {
	if p.Kind != payload.KindNativeObject {
		return errs.Newf(errs.KindInvalidArgument, "payload is %s, not a native object", p.Kind)
	}
	b, err := msgpack.Marshal(p.Object)
	if err != nil {
		return errs.Wrap(errs.KindUnsupportedType, "object has no wire representation", err)
	}
	if err := msgpack.Unmarshal(b, dst); err != nil {
		return errs.Wrap(errs.KindCorruptPayload, "object does not match destination", err)
	}
	return nil
}

func readHeader(data []byte) (header, []byte, error) {
	var h header
	if len(data) < len(magic)+5 || !bytes.Equal(data[:len(magic)], magic) {
		return h, nil, errs.New(errs.KindCorruptPayload, "missing container magic")
	}
	if v := data[len(magic)]; v != formatVersion {
		return h, nil, errs.Newf(errs.KindCorruptPayload, "unsupported container version %d", v)
	}
	off := len(magic) + 1
	hlen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if hlen > len(data)-off {
		return h, nil, errs.New(errs.KindCorruptPayload, "truncated header")
	}
	if err := json.Unmarshal(data[off:off+hlen], &h); err != nil {
		return h, nil, errs.Wrap(errs.KindCorruptPayload, "malformed header", err)
	}
	if h.Schema < 1 || h.Schema > SchemaVersion {
		return h, nil, errs.Newf(errs.KindCorruptPayload, "unsupported header schema %d", h.Schema)
	}
	return h, data[off+hlen:], nil
}

func encodeTable(t *payload.Table, h *header) ([]byte, error) {
	h.Rows = t.Rows()
	blocks := make([]columnBlock, len(t.Columns))
	for i, c := range t.Columns {
		typ := c.Type
		if typ == "" {
			typ = payload.InferType(c.Values)
		}
		if !typ.Valid() {
			return nil, errs.Newf(errs.KindUnsupportedType, "column %q has unknown type %q", c.Name, typ)
		}
		storage, block, err := encodeColumn(c)
		if err != nil {
			return nil, err
		}
		blocks[i] = block
		h.Columns = append(h.Columns, columnHeader{
			Name:    c.Name,
			Type:    string(typ),
			Role:    string(t.Roles[c.Name]),
			Storage: storage,
		})
	}
	body, err := msgpack.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal column data: %w", err)
	}
	return body, nil
}

func encodeColumn(c payload.Column) (string, columnBlock, error) {
	storage := storageEmpty
	for _, v := range c.Values {
		if v == nil {
			continue
		}
		s, ok := storageOf(v)
		if !ok {
			return "", columnBlock{}, errs.Newf(errs.KindUnsupportedType, "column %q holds unsupported value type %T", c.Name, v).
				WithResource(c.Name)
		}
		if storage == storageEmpty {
			storage = s
		} else if s != storage {
			return "", columnBlock{}, errs.Newf(errs.KindUnsupportedType, "column %q mixes %s and %s values", c.Name, storage, s).
				WithResource(c.Name)
		}
	}

	n := len(c.Values)
	var b columnBlock
	hasMissing := false
	missing := make([]bool, n)
	switch storage {
	case storageInt:
		b.Ints = make([]int64, n)
	case storageFloat:
		b.Floats = make([]float64, n)
	case storageString:
		b.Strings = make([]string, n)
	case storageBool:
		b.Bools = make([]bool, n)
	case storageTime:
		b.Ints = make([]int64, n)
	}

	for i, v := range c.Values {
		if v == nil {
			missing[i] = true
			hasMissing = true
			continue
		}
		switch x := v.(type) {
		case int64:
			b.Ints[i] = x
		case float64:
			b.Floats[i] = x
		case string:
			b.Strings[i] = x
		case bool:
			b.Bools[i] = x
		case time.Time:
			if x.Year() < 1678 || x.Year() > 2261 {
				return "", columnBlock{}, errs.Newf(errs.KindUnsupportedType, "column %q has date %s outside the representable range", c.Name, x)
			}
			b.Ints[i] = x.UnixNano()
		}
	}
	if hasMissing {
		b.Missing = missing
	}
	return storage, b, nil
}

func storageOf(v interface{}) (string, bool) {
	switch v.(type) {
	case int64:
		return storageInt, true
	case float64:
		return storageFloat, true
	case string:
		return storageString, true
	case bool:
		return storageBool, true
	case time.Time:
		return storageTime, true
	}
	return "", false
}

func decodeTable(h header, body []byte) (*payload.Table, error) {
	var blocks []columnBlock
	if err := msgpack.Unmarshal(body, &blocks); err != nil {
		return nil, errs.Wrap(errs.KindCorruptPayload, "failed to decode column data", err)
	}
	if len(blocks) != len(h.Columns) {
		return nil, errs.Newf(errs.KindCorruptPayload, "header declares %d columns, body has %d", len(h.Columns), len(blocks))
	}

	t := payload.NewTable()
	for i, ch := range h.Columns {
		values, err := decodeColumn(ch, blocks[i], h.Rows)
		if err != nil {
			return nil, err
		}
		t.Columns = append(t.Columns, payload.Column{
			Name:   ch.Name,
			Type:   payload.ValueType(ch.Type),
			Values: values,
		})
		if ch.Role != "" {
			t.Roles[ch.Name] = payload.Role(ch.Role)
		}
	}
	return t, nil
}

func decodeColumn(ch columnHeader, b columnBlock, rows int) ([]interface{}, error) {
	if b.Missing != nil && len(b.Missing) != rows {
		return nil, errs.Newf(errs.KindCorruptPayload, "column %q missing-value mask has %d entries, expected %d", ch.Name, len(b.Missing), rows)
	}
	isMissing := func(i int) bool { return b.Missing != nil && b.Missing[i] }

	var size int
	switch ch.Storage {
	case storageInt, storageTime:
		size = len(b.Ints)
	case storageFloat:
		size = len(b.Floats)
	case storageString:
		size = len(b.Strings)
	case storageBool:
		size = len(b.Bools)
	case storageEmpty:
		size = rows
	default:
		return nil, errs.Newf(errs.KindCorruptPayload, "column %q has unknown storage %q", ch.Name, ch.Storage)
	}
	if size != rows {
		return nil, errs.Newf(errs.KindCorruptPayload, "column %q has %d values, expected %d", ch.Name, size, rows)
	}

	values := make([]interface{}, rows)
	for i := 0; i < rows; i++ {
		if isMissing(i) || ch.Storage == storageEmpty {
			continue
		}
		switch ch.Storage {
		case storageInt:
			values[i] = b.Ints[i]
		case storageTime:
			values[i] = time.Unix(0, b.Ints[i]).UTC()
		case storageFloat:
			values[i] = b.Floats[i]
		case storageString:
			values[i] = b.Strings[i]
		case storageBool:
			values[i] = b.Bools[i]
		}
	}
	return values, nil
}
