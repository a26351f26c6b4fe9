package preflight

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/3leaps/lakeflow/pkg/objstore"
	"github.com/3leaps/lakeflow/pkg/output"
)

// Spec controls how capability probes are executed.
type Spec struct {
	Mode        Mode
	ProbePrefix string
}

// Probe checks that the run can list and read its sources and, in
// write-probe mode, write to the target store. Checks run fail-fast in the
// order target write, source list, source read.
func Probe(ctx context.Context, src, dst *objstore.Client, prefixes []string, spec Spec) (*output.PreflightRecord, error) {
	rec := &output.PreflightRecord{Mode: string(spec.Mode), Results: []output.PreflightCheckResult{}}
	if spec.Mode == ModePlanOnly || spec.Mode == "" {
		return rec, nil
	}

	if spec.Mode == ModeWriteProbe {
		res, err := writeProbe(ctx, dst, spec.ProbePrefix)
		rec.Results = append(rec.Results, res)
		if err != nil {
			return rec, err
		}
	}

	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	for _, prefix := range prefixes {
		method := fmt.Sprintf("List(prefix=%q)", prefix)
		if _, err := src.List(ctx, prefix); err != nil {
			rec.Results = append(rec.Results, failed(CapSourceList, method, err))
			return rec, err
		}
		rec.Results = append(rec.Results, output.PreflightCheckResult{Capability: CapSourceList, Allowed: true, Method: method})

		// A random key must come back as not-found, not as denied.
		probeKey := objstore.Join(prefix, "_lakeflow/preflight-"+uuid.NewString())
		if _, err := src.Read(ctx, probeKey); err != nil && normalizeErrorCode(err) != output.ErrCodeNotFound {
			rec.Results = append(rec.Results, failed(CapSourceRead, "GetObject(random)", err))
			return rec, err
		}
		rec.Results = append(rec.Results, output.PreflightCheckResult{Capability: CapSourceRead, Allowed: true, Method: "GetObject(random)"})
	}
	return rec, nil
}

func writeProbe(ctx context.Context, dst *objstore.Client, prefix string) (output.PreflightCheckResult, error) {
	if prefix == "" {
		prefix = DefaultProbePrefix
	}
	key := objstore.Join(prefix, "put-"+uuid.NewString())
	const method = "PutObject+DeleteObject"

	if err := dst.PutStream(ctx, key, bytes.NewReader(nil), 0); err != nil {
		return failed(CapTargetWrite, method, err), err
	}
	if err := dst.Delete(ctx, key); err != nil {
		return failed(CapTargetWrite, method, err), fmt.Errorf("probe cleanup %s: %w", key, err)
	}
	return output.PreflightCheckResult{Capability: CapTargetWrite, Allowed: true, Method: method}, nil
}

func failed(capability, method string, err error) output.PreflightCheckResult {
	return output.PreflightCheckResult{
		Capability: capability,
		Method:     method,
		ErrorCode:  normalizeErrorCode(err),
		Detail:     err.Error(),
	}
}
