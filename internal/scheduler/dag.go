package scheduler

import (
	"fmt"

	"github.com/xiaot623/gogo/internal/domain"
)

const (
	white = iota // unvisited
	gray         // on the DFS stack
	black        // finished
)

// Validate rejects plans whose dependencies are not a DAG, reference unknown
// tasks, or reuse a task id. Cycles are reported as *domain.CycleDetectedError.
func Validate(plan *domain.Plan) error {
	if plan == nil {
		return fmt.Errorf("plan is required: %w", domain.ErrValidation)
	}
	index := make(map[string]*domain.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.TaskID == "" {
			return fmt.Errorf("task id is required: %w", domain.ErrValidation)
		}
		if _, dup := index[t.TaskID]; dup {
			return fmt.Errorf("duplicate task id %s: %w", t.TaskID, domain.ErrValidation)
		}
		index[t.TaskID] = t
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s: %w", t.TaskID, dep, domain.ErrValidation)
			}
		}
	}

	colors := make(map[string]int, len(plan.Tasks))
	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range index[id].DependsOn {
			switch colors[dep] {
			case gray:
				return &domain.CycleDetectedError{Path: cyclePath(stack, dep)}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}
	for _, t := range plan.Tasks {
		if colors[t.TaskID] == white {
			if err := visit(t.TaskID); err != nil {
				return err
			}
		}
	}
	return nil
}

// cyclePath returns the stack suffix starting at the revisited node, closed
// on itself, e.g. [T1 T2 T1].
func cyclePath(stack []string, start string) []string {
	for i, id := range stack {
		if id == start {
			path := append([]string(nil), stack[i:]...)
			return append(path, start)
		}
	}
	return []string{start, start}
}

// ReadySet returns the pending tasks whose dependencies are all done, in plan order.
func ReadySet(plan *domain.Plan) []*domain.Task {
	status := make(map[string]domain.TaskStatus, len(plan.Tasks))
	for _, t := range plan.Tasks {
		status[t.TaskID] = t.Status
	}
	var ready []*domain.Task
	for _, t := range plan.Tasks {
		if isReady(t, status) {
			ready = append(ready, t)
		}
	}
	return ready
}

func isReady(t *domain.Task, status map[string]domain.TaskStatus) bool {
	if t.Status != domain.TaskStatusPending {
		return false
	}
	for _, dep := range t.DependsOn {
		if status[dep] != domain.TaskStatusDone {
			return false
		}
	}
	return true
}

// dependents maps each task id to the ids that depend on it directly.
func dependents(plan *domain.Plan) map[string][]string {
	out := make(map[string][]string, len(plan.Tasks))
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			out[dep] = append(out[dep], t.TaskID)
		}
	}
	return out
}

// TransitiveDependents returns every task that depends on root directly or
// through other tasks, in breadth-first order.
func TransitiveDependents(plan *domain.Plan, root string) []string {
	edges := dependents(plan)
	var out []string
	seen := map[string]bool{root: true}
	queue := append([]string(nil), edges[root]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, edges[id]...)
	}
	return out
}
