package refresh

import (
	"errors"
	"fmt"
	"sort"
)

// ErrScheduleDeadlock means the view dependency graph contains a cycle and no
// refresh order exists.
var ErrScheduleDeadlock = errors.New("dependency cycle in view graph")

// TopoLevels orders views into dependency levels: every view in level N
// depends only on views in earlier levels. Views within a level are
// independent and may refresh concurrently. Returns ErrScheduleDeadlock when
// the graph has a cycle.
func TopoLevels(views []ViewSpec) ([][]string, error) {
	known := make(map[string]struct{}, len(views))
	for _, v := range views {
		if _, dup := known[v.Name]; dup {
			return nil, fmt.Errorf("duplicate view %q", v.Name)
		}
		known[v.Name] = struct{}{}
	}

	indegree := make(map[string]int, len(views))
	dependents := make(map[string][]string, len(views))
	for _, v := range views {
		indegree[v.Name] += 0
		for _, dep := range v.DependsOn {
			if _, ok := known[dep]; !ok {
				return nil, fmt.Errorf("view %q depends on unknown view %q", v.Name, dep)
			}
			indegree[v.Name]++
			dependents[dep] = append(dependents[dep], v.Name)
		}
	}

	var levels [][]string
	placed := 0
	for placed < len(views) {
		var level []string
		for name, deg := range indegree {
			if deg == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, ErrScheduleDeadlock
		}
		sort.Strings(level)
		for _, name := range level {
			delete(indegree, name)
			for _, dep := range dependents[name] {
				indegree[dep]--
			}
		}
		levels = append(levels, level)
		placed += len(level)
	}
	return levels, nil
}
