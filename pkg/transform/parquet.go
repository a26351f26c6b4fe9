package transform

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/3leaps/lakeflow/pkg/records"
	"github.com/3leaps/lakeflow/pkg/schema"
)

// encodeParquet writes rows as one SNAPPY-compressed Parquet file. Columns
// follow the inferred schema in name order and are all OPTIONAL. Objects and
// arrays are stored as JSON text.
func encodeParquet(rows []records.Record) ([]byte, error) {
	maps := make([]map[string]any, len(rows))
	for i, r := range rows {
		maps[i] = r
	}
	sch := schema.Infer(maps)
	if len(sch.Columns) == 0 {
		return nil, fmt.Errorf("parquet: no columns to write")
	}

	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(parquetSchema(sch), pfw, 1)
	if err != nil {
		return nil, fmt.Errorf("parquet: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		line, err := json.Marshal(parquetRow(r, sch))
		if err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
		if err := pw.Write(string(line)); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("parquet: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("parquet: %w", err)
	}
	if err := pfw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parquetSchema(s *schema.Schema) string {
	fields := make([]map[string]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.Name, parquetType(c.Type)),
		})
	}
	out := map[string]any{
		"Tag":    "name=lakeflow_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetType(t schema.Type) string {
	switch t {
	case schema.TypeBool:
		return "type=BOOLEAN"
	case schema.TypeInt:
		return "type=INT64"
	case schema.TypeFloat:
		return "type=DOUBLE"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}

func parquetRow(r records.Record, s *schema.Schema) map[string]any {
	row := make(map[string]any, len(s.Columns))
	for _, c := range s.Columns {
		v, ok := r[c.Name]
		if !ok || v == nil {
			row[c.Name] = nil
			continue
		}
		switch c.Type {
		case schema.TypeBool, schema.TypeInt, schema.TypeFloat:
			row[c.Name] = v
		case schema.TypeString, schema.TypeTimestamp:
			row[c.Name] = fmt.Sprint(v)
		default:
			b, _ := json.Marshal(v)
			row[c.Name] = string(b)
		}
	}
	return row
}
