package webapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/payload"
)

// TableRows turns t into one map per row. Missing cells are left out and
// times are written in RFC 3339.
func TableRows(t *payload.Table) []Row {
	rows := make([]Row, t.Rows())
	for i := range rows {
		rows[i] = make(Row, len(t.Columns))
	}
	for _, col := range t.Columns {
		for i, v := range col.Values {
			switch x := v.(type) {
			case nil:
				continue
			case time.Time:
				rows[i][col.Name] = x.Format(time.RFC3339Nano)
			default:
				rows[i][col.Name] = x
			}
		}
	}
	return rows
}

// rowsTable builds a table from JSON objects. A column holding both integers
// and fractions becomes real.
func rowsTable(raw []json.RawMessage) (*payload.Table, error) {
	var names []string
	cells := map[string][]interface{}{}
	for i, r := range raw {
		keys, values, err := orderedObject(r)
		if err != nil {
			return nil, errs.Wrap(errs.KindCorruptPayload, fmt.Sprintf("row %d is not an object", i), err)
		}
		for j, k := range keys {
			col, ok := cells[k]
			if !ok {
				names = append(names, k)
				col = make([]interface{}, i, len(raw))
			}
			cells[k] = append(col, values[j])
		}
		for _, k := range names {
			if len(cells[k]) == i {
				cells[k] = append(cells[k], nil)
			}
		}
	}

	cols := make([]payload.Column, len(names))
	for i, name := range names {
		cols[i] = payload.NewColumn(name, "", widen(cells[name])...)
	}
	return payload.NewTable(cols...), nil
}

// orderedObject decodes one JSON object keeping key order.
func orderedObject(r json.RawMessage) ([]string, []interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(r))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}
	var keys []string
	var values []interface{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := tok.(string)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		values = append(values, cell(v))
	}
	return keys, values, nil
}

func cell(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case string, bool, nil:
		return x
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func widen(values []interface{}) []interface{} {
	hasFloat := false
	for _, v := range values {
		if _, ok := v.(float64); ok {
			hasFloat = true
			break
		}
	}
	if !hasFloat {
		return values
	}
	for i, v := range values {
		if n, ok := v.(int64); ok {
			values[i] = float64(n)
		}
	}
	return values
}
