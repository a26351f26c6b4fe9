package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/report"
)

type node struct {
	id   string
	deps []string
}

func (n node) UnitID() string         { return n.id }
func (n node) Dependencies() []string { return n.deps }

func TestTiers(t *testing.T) {
	nodes := []node{
		{id: "orders", deps: []string{"customers"}},
		{id: "customers"},
		{id: "returns", deps: []string{"orders", "customers"}},
		{id: "products"},
	}
	tiers, err := Tiers(nodes)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 3}, {0}, {2}}, tiers)
}

func TestTiers_Errors(t *testing.T) {
	tests := []struct {
		name  string
		nodes []node
		want  string
	}{
		{"cycle", []node{{id: "a", deps: []string{"b"}}, {id: "b", deps: []string{"a"}}, {id: "c"}}, "cycle among a, b"},
		{"unknown", []node{{id: "a", deps: []string{"zzz"}}}, "unknown dependency"},
		{"self", []node{{id: "a", deps: []string{"a"}}}, "itself"},
		{"duplicate", []node{{id: "a"}, {id: "a"}}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Tiers(tt.nodes)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, fault.KindInvalidConfig, fault.KindOf(err))
		})
	}
}

func TestDispatch_SkipsDependentsOfFailedUnits(t *testing.T) {
	units := []node{
		{id: "orders", deps: []string{"customers"}},
		{id: "customers"},
		{id: "products"},
		{id: "order_lines", deps: []string{"orders"}},
	}

	var mu sync.Mutex
	var ran []string
	fn := func(_ context.Context, u node, _ *report.WorkUnitResult) error {
		mu.Lock()
		ran = append(ran, u.id)
		mu.Unlock()
		if u.id == "customers" {
			return fault.StoreIO("get", "raw/customers/a.csv", errors.New("reset"))
		}
		return nil
	}

	results, err := Dispatch(context.Background(), NewPool(2), report.PhaseCopy, units, fn)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "orders", results[0].UnitID)
	assert.Equal(t, report.StatusSkipped, results[0].Status)
	assert.Contains(t, results[0].ErrorDetail, "customers")
	assert.True(t, results[0].Blocked())
	assert.Equal(t, report.StatusFailed, results[1].Status)
	assert.Equal(t, report.StatusSucceeded, results[2].Status)
	assert.Equal(t, report.StatusSkipped, results[3].Status)
	assert.ElementsMatch(t, []string{"customers", "products"}, ran)
}

func TestDispatch_HaltSkipsLaterTiers(t *testing.T) {
	units := []node{{id: "a"}, {id: "b", deps: []string{"a"}}, {id: "c"}}
	fn := func(_ context.Context, u node, _ *report.WorkUnitResult) error {
		if u.id == "c" {
			return fault.New(fault.KindInvalidConfig, "copy", "c", errors.New("bad template"))
		}
		return nil
	}

	results, err := Dispatch(context.Background(), NewPool(1), report.PhaseCopy, units, fn)
	require.Error(t, err)
	assert.Equal(t, report.StatusSucceeded, results[0].Status)
	assert.Equal(t, report.StatusSkipped, results[1].Status)
	assert.Contains(t, results[1].ErrorDetail, "halted")
	assert.Equal(t, report.StatusFailed, results[2].Status)
}

func TestDispatch_InvalidGraph(t *testing.T) {
	_, err := Dispatch(context.Background(), NewPool(1), report.PhaseCopy,
		[]node{{id: "a", deps: []string{"b"}}},
		func(context.Context, node, *report.WorkUnitResult) error { return nil })
	require.Error(t, err)
}
