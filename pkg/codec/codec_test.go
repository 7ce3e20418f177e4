package codec

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/payload"
)

func sampleTable(t *testing.T) *payload.Table {
	t.Helper()
	ts := time.Date(2021, 3, 4, 5, 6, 7, 8000, time.UTC)
	tbl := payload.NewTable(
		payload.NewColumn("id", payload.TypeInteger, int64(1), int64(math.MaxInt64), nil),
		payload.NewColumn("score", payload.TypeReal, 0.1, math.SmallestNonzeroFloat64, -2.5),
		payload.NewColumn("label", payload.TypeBinominal, "yes", nil, "ünïcödé"),
		payload.NewColumn("flag", payload.TypeBinominal, true, false, true),
		payload.NewColumn("when", payload.TypeDateTime, ts, nil, ts.Add(time.Hour)),
		payload.NewColumn("empty", payload.TypePolynominal, nil, nil, nil),
	)
	if err := tbl.SetRole("label", payload.RoleLabel); err != nil {
		t.Fatal(err)
	}
	if err := tbl.SetRole("id", payload.RoleID); err != nil {
		t.Fatal(err)
	}
	return tbl
}

func TestTabularRoundTrip(t *testing.T) {
	in := payload.Tabular(sampleTable(t))

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	out, err := Decode(data, payload.KindTabular)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(in.Table, out.Table); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripKeepsExtraLabels(t *testing.T) {
	tbl := payload.NewTable(
		payload.NewColumn("a", "", "x"),
		payload.NewColumn("b", "", "y"),
	)
	_ = tbl.SetRole("a", payload.RoleLabel)
	_ = tbl.SetRole("b", payload.RoleLabel)

	data, err := Encode(payload.Tabular(tbl))
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Table.Role("a") != payload.RoleLabel || out.Table.Role("b") != payload.RoleLabel {
		t.Errorf("label roles lost: %v", out.Table.Roles)
	}
}

func TestZeroRowTable(t *testing.T) {
	tbl := payload.NewTable(payload.NewColumn("a", payload.TypeInteger))
	data, err := Encode(payload.Tabular(tbl))
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data, payload.KindTabular)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Table.Columns) != 1 || out.Table.Rows() != 0 {
		t.Errorf("unexpected table %+v", out.Table)
	}
}

func TestNativeObjectRoundTrip(t *testing.T) {
	type model struct {
		Name    string
		Weights []float64
	}
	in := model{Name: "tree", Weights: []float64{0.5, 1.25}}

	data, err := Encode(payload.Object(in))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data, payload.KindNativeObject)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var got model
	if err := ObjectInto(out, &got); err != nil {
		t.Fatalf("ObjectInto: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("object mismatch (-want +got):\n%s", diff)
	}
}

func TestByteStreamRoundTrip(t *testing.T) {
	in := []byte{0, 1, 2, 0xff, 'M', 'L'}
	data, err := Encode(payload.ByteStream(in))
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data, payload.KindByteStream)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out.Bytes); diff != "" {
		t.Errorf("bytes mismatch:\n%s", diff)
	}

	kind, err := Peek(data)
	if err != nil || kind != payload.KindByteStream {
		t.Errorf("Peek() = %v, %v", kind, err)
	}
}

func TestEncodeUnsupportedType(t *testing.T) {
	tests := []struct {
		name string
		col  payload.Column
	}{
		{"struct value", payload.Column{Name: "c", Type: payload.TypeNominal, Values: []interface{}{struct{}{}}}},
		{"mixed values", payload.Column{Name: "c", Type: payload.TypeNominal, Values: []interface{}{"a", int64(1)}}},
		{"unknown type", payload.Column{Name: "c", Type: "matrix", Values: []interface{}{"a"}}},
		{"date out of range", payload.Column{Name: "c", Type: payload.TypeDate, Values: []interface{}{time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(payload.Tabular(payload.NewTable(tt.col)))
			if !errors.Is(err, errs.ErrUnsupportedType) {
				t.Errorf("expected UnsupportedType, got %v", err)
			}
		})
	}
}

func TestDecodeCorruptPayload(t *testing.T) {
	valid, err := Encode(payload.Tabular(sampleTable(t)))
	if err != nil {
		t.Fatal(err)
	}

	wrongVersion := append([]byte(nil), valid...)
	wrongVersion[4] = 9

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("NOPE\x01\x00\x00\x00\x00")},
		{"wrong version", wrongVersion},
		{"truncated header", valid[:12]},
		{"truncated body", valid[:len(valid)-3]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, 0)
			if !errors.Is(err, errs.ErrCorruptPayload) {
				t.Errorf("expected CorruptPayload, got %v", err)
			}
		})
	}
}

func TestDecodeKindMismatch(t *testing.T) {
	data, err := Encode(payload.ByteStream([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data, payload.KindTabular); !errors.Is(err, errs.ErrCorruptPayload) {
		t.Errorf("expected CorruptPayload for kind mismatch, got %v", err)
	}
}
