package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/payload"
)

// Exchange file extensions understood by the batch launcher.
const (
	ExtTableData     = ".csv-encoded"
	ExtTableMetadata = ".pmd-encoded"
	ExtObject        = ".bin"
	ExtByteStream    = ".fo"
)

const (
	exchangeSource = "minerlink exchange writer"
	exchangeModule = "Go"
	missingToken   = "null"
)

// exchangeMetadata is the content of a .pmd-encoded file. Each metadata
// entry maps a single column name to its [type, role] pair.
type exchangeMetadata struct {
	Source   string                 `json:"source"`
	Module   string                 `json:"module"`
	Version  string                 `json:"version"`
	Metadata []map[string][2]string `json:"metadata"`
}

// ExchangeColumnName returns the name a column is written under. Empty or
// purely numeric names are not accepted by the platform and get an "att"
// prefix.
func ExchangeColumnName(name string) string {
	if name == "" || isDigits(name) {
		return "att" + name
	}
	return name
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// WriteExampleSet writes a table as CSV data plus JSON metadata. Nominal
// values are base64 encoded, dates are epoch microseconds and missing
// values are written as "null" (nominal) or an empty field.
func WriteExampleSet(t *payload.Table, data, meta io.Writer, version string) error {
	if err := t.Validate(); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "invalid table", err).WithOp("write_example_set")
	}

	types := make([]payload.ValueType, len(t.Columns))
	md := exchangeMetadata{
		Source:   exchangeSource,
		Module:   exchangeModule,
		Version:  version,
		Metadata: make([]map[string][2]string, 0, len(t.Columns)),
	}
	for i, c := range t.Columns {
		typ := c.Type
		if typ == "" || !typ.Valid() {
			typ = payload.InferType(c.Values)
		}
		types[i] = typ
		md.Metadata = append(md.Metadata, map[string][2]string{
			ExchangeColumnName(c.Name): {string(typ), string(t.Role(c.Name))},
		})
	}

	enc := json.NewEncoder(meta)
	enc.SetIndent("", "  ")
	if err := enc.Encode(md); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	w := csv.NewWriter(data)
	record := make([]string, len(t.Columns))
	for row := 0; row < t.Rows(); row++ {
		for i, c := range t.Columns {
			cell, err := formatCell(c.Name, types[i], c.Values[row])
			if err != nil {
				return err
			}
			record[i] = cell
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write row %d: %w", row, err)
		}
	}
	w.Flush()
	return w.Error()
}

func formatCell(column string, typ payload.ValueType, v interface{}) (string, error) {
	if typ.IsNominal() {
		if v == nil {
			return missingToken, nil
		}
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case bool:
			s = "False"
			if x {
				s = "True"
			}
		default:
			s = fmt.Sprint(x)
		}
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	}
	if v == nil {
		return "", nil
	}
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case time.Time:
		us := x.UnixMicro()
		switch typ {
		case payload.TypeTime:
			us %= 86400000000
		case payload.TypeDate:
			us = us / 1000000 * 1000000
		}
		return strconv.FormatInt(us, 10), nil
	}
	return "", errs.Newf(errs.KindUnsupportedType, "column %q holds unsupported value type %T", column, v).WithResource(column)
}

// ReadExampleSet reads a table written by WriteExampleSet or by the
// platform. The "attribute" role is treated as no role.
func ReadExampleSet(data, meta io.Reader) (*payload.Table, error) {
	var md exchangeMetadata
	if err := json.NewDecoder(meta).Decode(&md); err != nil {
		return nil, errs.Wrap(errs.KindCorruptPayload, "malformed metadata", err)
	}

	t := payload.NewTable()
	types := make([]payload.ValueType, 0, len(md.Metadata))
	for _, entry := range md.Metadata {
		if len(entry) != 1 {
			return nil, errs.Newf(errs.KindCorruptPayload, "metadata entry has %d keys, expected 1", len(entry))
		}
		for name, tr := range entry {
			typ := payload.ValueType(tr[0])
			if !typ.Valid() {
				return nil, errs.Newf(errs.KindUnsupportedType, "type %q is not a valid platform type", tr[0]).WithResource(name)
			}
			types = append(types, typ)
			t.Columns = append(t.Columns, payload.Column{Name: name, Type: typ, Values: []interface{}{}})
			if role := payload.Role(tr[1]); role != "" && role != payload.RoleRegular {
				t.Roles[name] = role
			}
		}
	}

	r := csv.NewReader(data)
	r.FieldsPerRecord = len(types)
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.KindCorruptPayload, "malformed data row", err)
		}
		for i, cell := range record {
			v, err := parseCell(types[i], cell)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorruptPayload, fmt.Sprintf("bad value in column %q", t.Columns[i].Name), err)
			}
			t.Columns[i].Values = append(t.Columns[i].Values, v)
		}
	}
	return t, nil
}

func parseCell(typ payload.ValueType, cell string) (interface{}, error) {
	if cell == missingToken || (cell == "" && !typ.IsNominal()) {
		return nil, nil
	}
	switch {
	case typ.IsNominal():
		b, err := base64.StdEncoding.DecodeString(cell)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case typ.IsDate():
		us, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return nil, err
		}
		return time.UnixMicro(us).UTC(), nil
	case typ == payload.TypeInteger:
		return strconv.ParseInt(cell, 10, 64)
	default:
		return strconv.ParseFloat(cell, 64)
	}
}

// WriteExchangeFile writes p under dir using base as the file name stem and
// returns the path the launcher should be given.
func WriteExchangeFile(dir, base string, p payload.Payload, version string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", errs.Wrap(errs.KindInvalidArgument, "invalid payload", err)
	}
	stem := filepath.Join(dir, base)

	switch p.Kind {
	case payload.KindTabular:
		dataPath := stem + ExtTableData
		df, err := os.Create(dataPath)
		if err != nil {
			return "", err
		}
		defer df.Close()
		mf, err := os.Create(stem + ExtTableMetadata)
		if err != nil {
			return "", err
		}
		defer mf.Close()
		if err := WriteExampleSet(p.Table, df, mf, version); err != nil {
			return "", err
		}
		return dataPath, nil
	case payload.KindNativeObject:
		b, err := msgpack.Marshal(p.Object)
		if err != nil {
			return "", errs.Wrap(errs.KindUnsupportedType, "object has no wire representation", err)
		}
		path := stem + ExtObject
		return path, os.WriteFile(path, b, 0o600)
	default:
		path := stem + ExtByteStream
		return path, os.WriteFile(path, p.Bytes, 0o600)
	}
}

// ReadExchangeFile reads a payload from a file the launcher produced. The
// payload kind is chosen by extension.
func ReadExchangeFile(path string) (payload.Payload, error) {
	ext := filepath.Ext(path)
	switch ext {
	case ExtTableData:
		stem := strings.TrimSuffix(path, ext)
		df, err := os.Open(path)
		if err != nil {
			return payload.Payload{}, err
		}
		defer df.Close()
		mf, err := os.Open(stem + ExtTableMetadata)
		if err != nil {
			return payload.Payload{}, errs.Wrap(errs.KindCorruptPayload, "table data has no metadata file", err).WithResource(path)
		}
		defer mf.Close()
		t, err := ReadExampleSet(df, mf)
		if err != nil {
			return payload.Payload{}, err
		}
		return payload.Tabular(t), nil
	case ExtObject:
		b, err := os.ReadFile(path)
		if err != nil {
			return payload.Payload{}, err
		}
		dec := msgpack.NewDecoder(bytes.NewReader(b))
		dec.UseLooseInterfaceDecoding(true)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return payload.Payload{}, errs.Wrap(errs.KindCorruptPayload, "failed to decode object file", err).WithResource(path)
		}
		return payload.Object(v), nil
	case ExtByteStream:
		b, err := os.ReadFile(path)
		if err != nil {
			return payload.Payload{}, err
		}
		return payload.ByteStream(b), nil
	}
	return payload.Payload{}, errs.Newf(errs.KindUnsupportedType, "cannot handle files with %q extension", ext).WithResource(path)
}

// IsExchangeData reports whether a file in an output directory carries a
// payload. Metadata companions are skipped.
func IsExchangeData(name string) bool {
	switch filepath.Ext(name) {
	case ExtTableData, ExtObject, ExtByteStream:
		return true
	}
	return false
}
