package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/minerlink/minerlink/pkg/codec"
	"github.com/minerlink/minerlink/pkg/payload"
	"github.com/minerlink/minerlink/pkg/webapi"
)

// missingCell is how a missing value is shown.
const missingCell = "?"

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPayload writes p for a terminal. Tables show at most limit rows when
// limit is positive. Byte streams are written as they are.
func printPayload(w io.Writer, p payload.Payload, asJSON bool, limit int) error {
	switch p.Kind {
	case payload.KindTabular:
		if asJSON {
			return writeJSON(w, webapi.TableRows(p.Table))
		}
		return printTable(w, p.Table, limit)
	case payload.KindNativeObject:
		if asJSON {
			return writeJSON(w, p.Object)
		}
		_, err := fmt.Fprintf(w, "%v\n", p.Object)
		return err
	default:
		_, err := w.Write(p.Bytes)
		return err
	}
}

func printTable(w io.Writer, t *payload.Table, limit int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		label := fmt.Sprintf("%s (%s)", c.Name, c.Type)
		if role := t.Role(c.Name); role != payload.RoleRegular {
			label = fmt.Sprintf("%s (%s, %s)", c.Name, c.Type, role)
		}
		header[i] = label
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	rows := t.Rows()
	shown := rows
	if limit > 0 && rows > limit {
		shown = limit
	}
	cells := make([]string, len(t.Columns))
	for r := 0; r < shown; r++ {
		for i, c := range t.Columns {
			cells[i] = formatCell(c.Values[r])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if shown < rows {
		_, err := fmt.Fprintf(w, "... %d more rows\n", rows-shown)
		return err
	}
	return nil
}

func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return missingCell
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// writeTableCSV writes a header row and one record per row. Missing values
// are written as empty cells.
func writeTableCSV(w io.Writer, t *payload.Table) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c.Name
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for r := 0; r < t.Rows(); r++ {
		for i, c := range t.Columns {
			if c.Values[r] == nil {
				record[i] = ""
				continue
			}
			record[i] = formatCell(c.Values[r])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// savePayload writes p to path. The extension picks the format: .csv for
// tables, .json for tables and objects, anything else gets the container
// bytes, or the raw bytes of a byte stream.
func savePayload(path string, p payload.Payload) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodePayload(f, strings.ToLower(filepath.Ext(path)), p); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func encodePayload(w io.Writer, ext string, p payload.Payload) error {
	switch {
	case ext == ".csv" && p.Kind == payload.KindTabular:
		return writeTableCSV(w, p.Table)
	case ext == ".json" && p.Kind == payload.KindTabular:
		return writeJSON(w, webapi.TableRows(p.Table))
	case ext == ".json" && p.Kind == payload.KindNativeObject:
		return writeJSON(w, p.Object)
	case p.Kind == payload.KindByteStream:
		_, err := w.Write(p.Bytes)
		return err
	}
	data, err := codec.Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// outputName names the index-th result saved to a directory.
func outputName(index int, p payload.Payload) string {
	switch p.Kind {
	case payload.KindTabular:
		return fmt.Sprintf("output%d.csv", index)
	case payload.KindNativeObject:
		return fmt.Sprintf("output%d.json", index)
	default:
		return fmt.Sprintf("output%d.bin", index)
	}
}
