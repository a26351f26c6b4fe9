package transform

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/objstore"
)

// Lookup produces the ordered task list for a run.
type Lookup interface {
	Tasks(ctx context.Context) ([]Task, error)
}

// StaticLookup returns a fixed list, typically the manifest's inline tasks.
type StaticLookup []Task

func (s StaticLookup) Tasks(context.Context) ([]Task, error) {
	out := make([]Task, len(s))
	copy(out, s)
	return out, nil
}

// ObjectLookup reads a YAML or JSON task list from the object store. The
// object holds either a bare list or a mapping with a "tasks" key.
type ObjectLookup struct {
	Client *objstore.Client
	Key    string
	// Routine fills tasks that leave routine empty.
	Routine string
}

func (o ObjectLookup) Tasks(ctx context.Context) ([]Task, error) {
	data, err := o.Client.Read(ctx, o.Key)
	if err != nil {
		return nil, fault.StoreIO("read", o.Key, err)
	}
	tasks, err := ParseTasks(data)
	if err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "lookup", o.Key, err)
	}
	for i := range tasks {
		if tasks[i].Routine == "" {
			tasks[i].Routine = o.Routine
		}
	}
	return tasks, nil
}

// ParseTasks decodes a task list. JSON is accepted as a YAML subset.
func ParseTasks(data []byte) ([]Task, error) {
	var list []Task
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, checkTasks(list)
	}
	var doc struct {
		Tasks []Task `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task list: %w", err)
	}
	return doc.Tasks, checkTasks(doc.Tasks)
}

func checkTasks(tasks []Task) error {
	seen := make(map[string]struct{}, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d: task_id is required", i)
		}
		if t.SourceID == "" {
			return fmt.Errorf("task %s: source_id is required", t.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("task %s: duplicate task_id", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}
