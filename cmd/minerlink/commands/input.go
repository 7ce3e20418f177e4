package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/minerlink/minerlink/pkg/codec"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/payload"
)

// Input formats accepted by --format.
const (
	formatAuto      = "auto"
	formatCSV       = "csv"
	formatJSON      = "json"
	formatBytes     = "bytes"
	formatContainer = "container"
)

// loadPayload reads a local file as a payload. With formatAuto the format
// follows the extension, and files that already hold an encoded container
// are decoded as such.
func loadPayload(path, format string) (payload.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return payload.Payload{}, errs.Wrap(errs.KindNotFound, "failed to read input", err).WithResource(path)
	}
	if format == "" || format == formatAuto {
		format = detectFormat(path, data)
	}

	switch format {
	case formatContainer:
		return codec.Decode(data, 0)
	case formatCSV:
		t, err := readTableCSV(bytes.NewReader(data))
		if err != nil {
			return payload.Payload{}, errs.Wrap(errs.KindCorruptPayload, "invalid csv input", err).WithResource(path)
		}
		return payload.Tabular(t), nil
	case formatJSON:
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			return payload.Payload{}, errs.Wrap(errs.KindCorruptPayload, "invalid json input", err).WithResource(path)
		}
		return payload.Object(v), nil
	case formatBytes:
		return payload.ByteStream(data), nil
	}
	return payload.Payload{}, errs.Newf(errs.KindInvalidArgument, "unknown input format %q", format)
}

func detectFormat(path string, data []byte) string {
	if _, err := codec.Peek(data); err == nil {
		return formatContainer
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return formatCSV
	case ".json":
		return formatJSON
	}
	return formatBytes
}

// readTableCSV reads a table with a header row. Columns whose cells all
// parse as integers become integer columns, then real, otherwise nominal.
// Empty cells are missing values.
func readTableCSV(r io.Reader) (*payload.Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "csv input has no header row")
	}
	header, rows := records[0], records[1:]

	cols := make([]payload.Column, len(header))
	for i, name := range header {
		raw := make([]string, len(rows))
		for r, rec := range rows {
			raw[r] = rec[i]
		}
		typ, values := parseCSVColumn(raw)
		cols[i] = payload.NewColumn(name, typ, values...)
	}
	t := payload.NewTable(cols...)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseCSVColumn(raw []string) (payload.ValueType, []interface{}) {
	values := make([]interface{}, len(raw))
	if ints, ok := parseAll(raw, func(s string) (interface{}, error) { return strconv.ParseInt(s, 10, 64) }); ok {
		return payload.TypeInteger, ints
	}
	if reals, ok := parseAll(raw, func(s string) (interface{}, error) { return strconv.ParseFloat(s, 64) }); ok {
		return payload.TypeReal, reals
	}
	for i, s := range raw {
		if s != "" {
			values[i] = s
		}
	}
	return payload.TypePolynominal, values
}

// parseAll parses every non-empty cell with parse. It fails when a cell
// does not parse or when every cell is empty.
func parseAll(raw []string, parse func(string) (interface{}, error)) ([]interface{}, bool) {
	values := make([]interface{}, len(raw))
	seen := false
	for i, s := range raw {
		if s == "" {
			continue
		}
		v, err := parse(s)
		if err != nil {
			return nil, false
		}
		values[i] = v
		seen = true
	}
	return values, seen
}
