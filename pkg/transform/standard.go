package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/records"
)

// StandardName is the registry name of the built-in routine.
const StandardName = "standard"

// Parameter names understood by Standard.
const (
	ParamSelect    = "select"
	ParamRename    = "rename"
	ParamWhere     = "where"
	ParamDerive    = "derive."
	ParamDedupeKey = "dedupe_key"
	ParamFormat    = "format"
)

const (
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

// partName is the single output object of a task, per format.
const partName = "part-00000"

// Standard is the built-in parameterised routine. Steps run in a fixed
// order: derive, where, dedupe, rename, select. It reads the input's JSONL
// objects in key order and replaces the task's output part.
type Standard struct {
	store *objstore.Client
}

func NewStandard(store *objstore.Client) *Standard {
	return &Standard{store: store}
}

type plan struct {
	derive []derivation
	where  *vm.Program
	dedupe string
	rename [][2]string
	sel    []string
	format string
}

type derivation struct {
	column  string
	program *vm.Program
}

func (s *Standard) ValidateParameters(params Parameters) error {
	_, err := compile(params)
	return err
}

func compile(params Parameters) (*plan, error) {
	p := &plan{
		dedupe: params.String(ParamDedupeKey),
		sel:    params.List(ParamSelect),
		format: strings.ToLower(params.String(ParamFormat)),
	}
	if p.format == "" {
		p.format = FormatJSONL
	}
	if p.format != FormatJSONL && p.format != FormatParquet {
		return nil, fmt.Errorf("format: unsupported %q", p.format)
	}

	for _, d := range params.WithPrefix(ParamDerive) {
		prog, err := expr.Compile(d.Value, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("derive.%s: %w", d.Name, err)
		}
		p.derive = append(p.derive, derivation{column: d.Name, program: prog})
	}

	if w := params.String(ParamWhere); w != "" {
		prog, err := expr.Compile(w, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("where: %w", err)
		}
		p.where = prog
	}

	for _, pair := range params.List(ParamRename) {
		from, to, ok := strings.Cut(pair, ":")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("rename: want old:new, got %q", pair)
		}
		p.rename = append(p.rename, [2]string{from, to})
	}
	return p, nil
}

func (s *Standard) Apply(ctx context.Context, params Parameters, input, output Ref) (int64, error) {
	p, err := compile(params)
	if err != nil {
		return 0, fault.Permanent(err)
	}

	rows, err := s.read(ctx, input)
	if err != nil {
		return 0, err
	}
	rows, err = p.run(rows)
	if err != nil {
		return 0, fault.Permanent(err)
	}

	var body []byte
	switch p.format {
	case FormatParquet:
		body, err = encodeParquet(rows)
	default:
		body, err = records.EncodeJSONL(rows)
	}
	if err != nil {
		return 0, fault.Permanent(err)
	}

	key := objstore.Join(output.Prefix, partName+"."+p.format)
	if err := s.store.Write(ctx, key, body, objstore.WriteOverwrite); err != nil {
		return 0, fault.StoreIO("write", key, err)
	}
	if err := s.dropStaleParts(ctx, output.Prefix, key); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *Standard) read(ctx context.Context, input Ref) ([]records.Record, error) {
	keys, err := s.inputKeys(ctx, input)
	if err != nil {
		return nil, err
	}
	var out []records.Record
	for _, key := range keys {
		data, err := s.store.Read(ctx, key)
		if err != nil {
			return nil, fault.StoreIO("read", key, err)
		}
		recs, err := records.Decode(records.FormatJSONL, data)
		if err != nil {
			return nil, fault.Permanent(fmt.Errorf("decode %s: %w", key, err))
		}
		for _, r := range recs {
			out = append(out, normalize(r))
		}
	}
	return out, nil
}

// inputKeys lists the JSONL objects of input in key order.
func (s *Standard) inputKeys(ctx context.Context, input Ref) ([]string, error) {
	if input.Keys != nil {
		keys := slices.Clone(input.Keys)
		slices.Sort(keys)
		return keys, nil
	}
	entries, err := s.store.List(ctx, objstore.Dir(input.Prefix))
	if err != nil {
		return nil, fault.StoreIO("list", input.Prefix, err)
	}
	var keys []string
	for _, e := range entries {
		if path.Ext(e.Key) == ".jsonl" {
			keys = append(keys, e.Key)
		}
	}
	return keys, nil
}

// dropStaleParts removes output parts written under another format.
func (s *Standard) dropStaleParts(ctx context.Context, prefix, keep string) error {
	entries, err := s.store.List(ctx, objstore.Dir(prefix))
	if err != nil {
		return fault.StoreIO("list", prefix, err)
	}
	for _, e := range entries {
		if e.Key == keep || !strings.HasPrefix(path.Base(e.Key), partName+".") {
			continue
		}
		if err := s.store.Delete(ctx, e.Key); err != nil {
			return fault.StoreIO("delete", e.Key, err)
		}
	}
	return nil
}

func (p *plan) run(rows []records.Record) ([]records.Record, error) {
	out := make([]records.Record, 0, len(rows))
	seen := make(map[string]struct{})
	for _, row := range rows {
		for _, d := range p.derive {
			v, err := expr.Run(d.program, map[string]any(row))
			if err != nil {
				return nil, fmt.Errorf("derive.%s: %w", d.column, err)
			}
			row[d.column] = v
		}
		if p.where != nil {
			keep, err := expr.Run(p.where, map[string]any(row))
			if err != nil {
				return nil, fmt.Errorf("where: %w", err)
			}
			if b, _ := keep.(bool); !b {
				continue
			}
		}
		if p.dedupe != "" {
			k := fmt.Sprint(row[p.dedupe])
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		for _, rn := range p.rename {
			if v, ok := row[rn[0]]; ok {
				delete(row, rn[0])
				row[rn[1]] = v
			}
		}
		if len(p.sel) > 0 {
			picked := make(records.Record, len(p.sel))
			for _, c := range p.sel {
				picked[c] = row[c]
			}
			row = picked
		}
		out = append(out, row)
	}
	return out, nil
}

// normalize turns decoded json.Number values into int64 or float64 so
// expressions can compare them.
func normalize(r records.Record) records.Record {
	for k, v := range r {
		r[k] = normalizeValue(v)
	}
	return r
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, x := range t {
			t[k] = normalizeValue(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = normalizeValue(x)
		}
		return t
	}
	return v
}
