// Package records decodes landing files into generic records and encodes
// cleansed batches.
//
// Numbers are kept as json.Number so integer and float columns survive a
// decode/encode cycle unchanged. Encoding is deterministic: object keys are
// sorted, one record per line.
package records

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Record is one decoded row.
type Record = map[string]any

// Format identifies a landing file encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
)

// ErrUnknownFormat is returned when neither the configured format nor the
// file extension identifies a decoder.
var ErrUnknownFormat = errors.New("unknown record format")

// Detect picks a format from configuration, falling back to the key's
// extension.
func Detect(configured, key string) (Format, error) {
	if configured != "" {
		f := Format(strings.ToLower(configured))
		switch f {
		case FormatJSONL, FormatJSON, FormatCSV:
			return f, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, configured)
	}
	ext := strings.ToLower(path.Ext(strings.TrimSuffix(key, ".gz")))
	switch ext {
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, key)
}

// Decode parses data in the given format.
func Decode(f Format, data []byte) ([]Record, error) {
	switch f {
	case FormatJSONL:
		return decodeJSONL(data)
	case FormatJSON:
		return decodeJSON(data)
	case FormatCSV:
		return decodeCSV(data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, f)
}

func decodeJSONL(data []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out []Record
	for line := 1; ; line++ {
		var r Record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", line, err)
		}
		if r == nil {
			return nil, fmt.Errorf("jsonl record %d: not an object", line)
		}
		out = append(out, r)
	}
}

// decodeJSON accepts a top-level array of objects or a single object.
func decodeJSON(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if trimmed[0] == '[' {
		var out []Record
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("json array: %w", err)
		}
		return out, nil
	}
	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("json object: %w", err)
	}
	return []Record{r}, nil
}

// decodeCSV uses the first row as a header. Empty cells decode as null; all
// other cells stay strings.
func decodeCSV(data []byte) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	var out []Record
	for row := 2; ; row++ {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", row, err)
		}
		if len(fields) != len(header) {
			return nil, fmt.Errorf("csv row %d: %d fields, header has %d", row, len(fields), len(header))
		}
		rec := make(Record, len(header))
		for i, name := range header {
			if fields[i] == "" {
				rec[name] = nil
			} else {
				rec[name] = fields[i]
			}
		}
		out = append(out, rec)
	}
}

// EncodeJSONL renders records one per line with sorted keys.
func EncodeJSONL(recs []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, r := range recs {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
