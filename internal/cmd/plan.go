package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/lakeflow/pkg/dispatch"
	"github.com/3leaps/lakeflow/pkg/manifest"
	"github.com/3leaps/lakeflow/pkg/pipeline"
	"github.com/3leaps/lakeflow/pkg/transform"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a run would do without executing",
	Long: `Show the execution plan of a manifest: stores, copy tiers, ingestion
streams, transform tasks and the failure tolerance. No provider calls are
made.

Example:
  lakeflow plan --manifest pipeline.yaml
  lakeflow plan --manifest pipeline.yaml --json`,
	RunE: runPlan,
}

var (
	planManifestPath string
	planJSON         bool
)

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planManifestPath, "manifest", "m", "", "Path to pipeline manifest (required)")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")

	_ = planCmd.MarkFlagRequired("manifest")
}

// planView is the JSON form of a plan.
type planView struct {
	SourceStore string       `json:"source_store"`
	LakeStore   string       `json:"lake_store"`
	Markers     []string     `json:"markers"`
	Preflight   string       `json:"preflight"`
	Concurrency int          `json:"concurrency"`
	Tolerance   string       `json:"tolerance"`
	Checkpoint  string       `json:"checkpoint"`
	Tiers       [][]string   `json:"copy_tiers"`
	Streams     []streamPlan `json:"streams"`
	Tasks       []taskPlan   `json:"tasks,omitempty"`
	TaskLookup  string       `json:"task_lookup,omitempty"`
}

type streamPlan struct {
	SourceID    string `json:"source_id"`
	From        string `json:"from"`
	Landing     string `json:"landing"`
	Partition   string `json:"partition,omitempty"`
	Cleansed    string `json:"cleansed"`
	SchemaHint  string `json:"schema_hint,omitempty"`
	DependsOnID string `json:"depends_on,omitempty"`
}

type taskPlan struct {
	TaskID   string `json:"task_id"`
	SourceID string `json:"source_id"`
	Routine  string `json:"routine"`
	Output   string `json:"output"`
}

func buildPlan(m *manifest.Manifest) (*planView, error) {
	tiers, err := dispatch.Tiers(m.Sources)
	if err != nil {
		return nil, err
	}
	p := &planView{
		SourceStore: describeStore(&m.SourceStore),
		LakeStore:   describeStore(m.LakeStore),
		Markers:     m.Markers,
		Preflight:   m.Preflight.Mode,
		Concurrency: m.Run.Concurrency,
		Tolerance:   m.Run.Tolerance.String(),
		Checkpoint:  m.Checkpoint.Backend,
	}
	for _, tier := range tiers {
		ids := make([]string, 0, len(tier))
		for _, i := range tier {
			ids = append(ids, m.Sources[i].SourceID)
		}
		p.Tiers = append(p.Tiers, ids)
	}
	layout := transform.NewOrchestrator(transform.NewRegistry(), m.Lake.CleansedPrefix, m.Lake.TransformedPrefix)
	for _, s := range m.Sources {
		if _, err := pipeline.StreamFor(s); err != nil {
			return nil, err
		}
		p.Streams = append(p.Streams, streamPlan{
			SourceID:    s.SourceID,
			From:        s.SourcePrefix,
			Landing:     s.DestinationPrefix,
			Partition:   s.PartitionKey,
			Cleansed:    layout.InputPrefix(s.SourceID),
			SchemaHint:  s.SchemaHint,
			DependsOnID: strings.Join(s.DependsOn, ","),
		})
	}
	if m.Transform.Lookup != nil {
		p.TaskLookup = m.Transform.Lookup.Key
	}
	for _, t := range m.Transform.Tasks {
		p.Tasks = append(p.Tasks, taskPlan{
			TaskID:   t.ID,
			SourceID: t.SourceID,
			Routine:  t.Routine,
			Output:   layout.OutputPrefix(t.ID),
		})
	}
	return p, nil
}

func describeStore(c *manifest.ConnectionConfig) string {
	if c == nil {
		return ""
	}
	switch c.Provider {
	case "file":
		return "file://" + c.BaseDir
	case "memory":
		return "memory://"
	}
	return c.Provider + "://" + c.Bucket
}

func runPlan(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(planManifestPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	p, err := buildPlan(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	out := cmd.OutOrStdout()
	if planJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}
	printPlan(out, p)
	return nil
}

func printPlan(out io.Writer, p *planView) {
	pf := func(format string, a ...any) { _, _ = fmt.Fprintf(out, format, a...) }

	pf("=== Run Plan (dry-run) ===\n\n")
	pf("Source store: %s\n", p.SourceStore)
	pf("Lake store:   %s\n", p.LakeStore)
	pf("Checkpoint:   %s\n", p.Checkpoint)
	pf("Preflight:    %s\n", p.Preflight)
	pf("Concurrency:  %d\n", p.Concurrency)
	pf("Tolerance:    %s\n\n", p.Tolerance)

	if len(p.Markers) > 0 {
		pf("Markers:\n")
		for _, mk := range p.Markers {
			pf("  - %s\n", mk)
		}
		pf("\n")
	}

	pf("Copy tiers:\n")
	for i, tier := range p.Tiers {
		pf("  %d: %s\n", i, strings.Join(tier, ", "))
	}
	pf("\nStreams:\n")
	for _, s := range p.Streams {
		pf("  %s: %s -> %s -> %s\n", s.SourceID, s.From, s.Landing, s.Cleansed)
	}

	pf("\nTasks:\n")
	if p.TaskLookup != "" {
		pf("  (resolved at run time from %s)\n", p.TaskLookup)
	}
	for _, t := range p.Tasks {
		pf("  %s: %s [%s] -> %s\n", t.TaskID, t.SourceID, t.Routine, t.Output)
	}
	pf("\nManifest validated successfully. Use `lakeflow run` to execute.\n")
}
