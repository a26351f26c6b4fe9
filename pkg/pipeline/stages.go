package pipeline

import (
	"context"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/ingest"
	"github.com/3leaps/lakeflow/pkg/manifest"
	"github.com/3leaps/lakeflow/pkg/match"
	"github.com/3leaps/lakeflow/pkg/report"
	"github.com/3leaps/lakeflow/pkg/schema"
	"github.com/3leaps/lakeflow/pkg/transfer"
)

// StreamFor derives the ingestion stream of a source: everything landed
// under its destination prefix.
func StreamFor(src manifest.SourceConfig) (ingest.Stream, error) {
	sel, err := match.New(match.Config{Prefix: src.DestinationPrefix})
	if err != nil {
		return ingest.Stream{}, fault.New(fault.KindInvalidConfig, "stream", src.SourceID, err)
	}
	s := ingest.Stream{ID: src.SourceID, Selector: sel, Format: src.Format}
	if src.SchemaHint != "" {
		hint, err := schema.Parse(src.SchemaHint)
		if err != nil {
			return ingest.Stream{}, err
		}
		s.SchemaHint = hint
	}
	return s, nil
}

// UnitFor derives the landing copy unit of a source.
func UnitFor(src manifest.SourceConfig) (transfer.Unit, error) {
	sel, err := match.New(match.Config{
		Prefix:        src.SourcePrefix,
		Includes:      src.Includes,
		Excludes:      src.Excludes,
		IncludeHidden: src.IncludeHidden,
	})
	if err != nil {
		return transfer.Unit{}, fault.New(fault.KindInvalidConfig, "selector", src.SourceID, err)
	}
	return transfer.Unit{
		SourceID:          src.SourceID,
		DestinationPrefix: src.DestinationPrefix,
		Partition:         src.PartitionKey,
		Selector:          sel,
	}, nil
}

// CopyWith adapts a Copier to the controller's copy function and records
// its summary as metrics.
func CopyWith(c *transfer.Copier) CopyFunc {
	return func(ctx context.Context, src manifest.SourceConfig, r *report.WorkUnitResult) error {
		u, err := UnitFor(src)
		if err != nil {
			return err
		}
		sum, err := c.Copy(ctx, u)
		if sum != nil {
			r.SetMetric("matched", sum.Matched)
			r.SetMetric("copied", sum.Copied)
			r.SetMetric("skipped", sum.Skipped)
			r.SetMetric("bytes", sum.Bytes)
		}
		return err
	}
}
