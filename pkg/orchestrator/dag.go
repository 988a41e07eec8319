package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/openclaw/conductor/pkg/models"
)

// DAGTask is one node of a dependency graph. DependsOn names other task ids
// that must complete successfully before this one runs.
type DAGTask struct {
	ID        string
	Task      string
	Agent     string
	DependsOn []string
}

// DAG is a set of tasks with explicit dependencies, executed in
// dependency order with independent tasks running in parallel.
type DAG struct {
	tasks map[string]*DAGTask
	order []string
}

// NewDAG builds a graph from the given tasks.
func NewDAG(tasks []*DAGTask) *DAG {
	d := &DAG{tasks: make(map[string]*DAGTask, len(tasks))}
	for _, t := range tasks {
		if _, exists := d.tasks[t.ID]; exists {
			continue
		}
		d.tasks[t.ID] = t
		d.order = append(d.order, t.ID)
	}
	return d
}

// Validate rejects self-dependencies, references to unknown tasks, and
// dependency cycles.
func (d *DAG) Validate() error {
	for _, id := range d.order {
		for _, dep := range d.tasks[id].DependsOn {
			if dep == id {
				return fmt.Errorf("task %s depends on itself", id)
			}
			if _, ok := d.tasks[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
		}
	}
	if _, err := d.TopoSort(); err != nil {
		return err
	}
	return nil
}

// TopoSort returns task ids grouped into levels: every task in a level
// depends only on tasks in earlier levels. Returns an error if the graph
// has a cycle.
func (d *DAG) TopoSort() ([][]string, error) {
	indegree := make(map[string]int, len(d.tasks))
	dependents := make(map[string][]string, len(d.tasks))
	for _, id := range d.order {
		indegree[id] = len(d.tasks[id].DependsOn)
		for _, dep := range d.tasks[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var levels [][]string
	frontier := make([]string, 0, len(d.tasks))
	for _, id := range d.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	seen := 0
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		seen += len(frontier)
		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if seen != len(d.tasks) {
		return nil, fmt.Errorf("dependency cycle among %d tasks", len(d.tasks)-seen)
	}
	return levels, nil
}

// DAGResult maps task id to its outcome. Skipped tasks carry a failed
// result naming the dependency that failed.
type DAGResult map[string]*models.TaskResult

// runFunc executes one task and returns its result. Failures are expressed
// through the result status, not the error.
type runFunc func(ctx context.Context, task *DAGTask) *models.TaskResult

// Execute runs the graph level by level. Tasks within a level run in
// parallel. When a task fails, every downstream task is skipped with a
// failed result instead of running against missing inputs.
func (d *DAG) Execute(ctx context.Context, run runFunc) (DAGResult, error) {
	levels, err := d.TopoSort()
	if err != nil {
		return nil, err
	}

	results := make(DAGResult, len(d.tasks))
	failed := make(map[string]bool)

	for _, level := range levels {
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, id := range level {
			task := d.tasks[id]

			mu.Lock()
			dep, blocked := d.blockedBy(task, failed)
			mu.Unlock()
			if blocked {
				mu.Lock()
				results[id] = &models.TaskResult{
					Status: models.ResultError,
					Output: fmt.Sprintf("skipped: dependency %s failed", dep),
				}
				failed[id] = true
				mu.Unlock()
				continue
			}

			wg.Add(1)
			go func(id string, task *DAGTask) {
				defer wg.Done()
				res := run(ctx, task)
				mu.Lock()
				results[id] = res
				if res == nil || res.Status != models.ResultOK {
					failed[id] = true
				}
				mu.Unlock()
			}(id, task)
		}
		wg.Wait()
	}

	return results, nil
}

// blockedBy reports the first failed dependency of task, if any.
func (d *DAG) blockedBy(task *DAGTask, failed map[string]bool) (string, bool) {
	for _, dep := range task.DependsOn {
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}
