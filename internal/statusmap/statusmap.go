// Package statusmap translates between remote workflow statuses and the four
// local task states. Every function here is pure.
package statusmap

import (
	"fmt"
	"strings"
)

// LocalState is the local task status.
type LocalState string

const (
	Backlog    LocalState = "backlog"
	Todo       LocalState = "todo"
	InProgress LocalState = "in_progress"
	Done       LocalState = "done"
)

// Remote status categories.
const (
	CategoryNew           = "new"
	CategoryIndeterminate = "indeterminate"
	CategoryDone          = "done"
)

func (s LocalState) Valid() bool {
	switch s {
	case Backlog, Todo, InProgress, Done:
		return true
	}
	return false
}

// ParseLocalState accepts the canonical values plus a few spellings the UI sends.
func ParseLocalState(v string) (LocalState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "backlog":
		return Backlog, nil
	case "todo", "to_do", "to do":
		return Todo, nil
	case "in_progress", "in progress", "inprogress":
		return InProgress, nil
	case "done":
		return Done, nil
	}
	return "", fmt.Errorf("unknown task status %q", v)
}

type keywordRule struct {
	state    LocalState
	keywords []string
}

// Order matters: the first rule with a matching keyword wins.
var rules = []keywordRule{
	{Backlog, []string{"backlog"}},
	{Todo, []string{"to do", "todo", "open", "ready"}},
	{InProgress, []string{"progress", "review", "test", "dev", "design"}},
	{Done, []string{"done", "closed", "complete", "resolved"}},
}

func keywordState(name string) (LocalState, bool) {
	n := strings.ToLower(name)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(n, kw) {
				return r.state, true
			}
		}
	}
	return "", false
}

func categoryState(category string) LocalState {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case CategoryNew:
		return Todo
	case CategoryIndeterminate:
		return InProgress
	case CategoryDone:
		return Done
	}
	return Backlog
}

// RemoteToLocal maps a status name and category to a local state. The
// category is consulted only when no keyword matches the name.
func RemoteToLocal(name, category string) LocalState {
	if s, ok := keywordState(name); ok {
		return s
	}
	return categoryState(category)
}

// Transition is one workflow move currently available on a remote issue.
type Transition struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ToName     string `json:"to_name"`
	ToCategory string `json:"to_category"`
}

func (t Transition) destination() string {
	if t.ToName != "" {
		return t.ToName
	}
	return t.Name
}

// categoryFits is the inverse of categoryState; Backlog and Todo both live
// under the "new" category.
func categoryFits(target LocalState, category string) bool {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case CategoryNew:
		return target == Backlog || target == Todo
	case CategoryIndeterminate:
		return target == InProgress
	case CategoryDone:
		return target == Done
	}
	return false
}

func excluded(target LocalState, destination string) bool {
	d := strings.ToLower(destination)
	switch target {
	case Todo:
		return strings.Contains(d, "backlog")
	case Backlog:
		return strings.Contains(d, "to do") || strings.Contains(d, "todo")
	}
	return false
}

// LocalToTransition picks the available transition whose destination best
// matches target. A keyword match on the destination name beats a category
// match; ties keep the first candidate. ok is false when nothing qualifies,
// which callers treat as "no action required".
func LocalToTransition(target LocalState, transitions []Transition) (Transition, bool) {
	var (
		best      Transition
		bestScore int
	)
	for _, t := range transitions {
		dest := t.destination()
		if excluded(target, dest) {
			continue
		}
		score := 0
		if s, ok := keywordState(dest); ok {
			if s == target {
				score = 2
			}
		} else if categoryFits(target, t.ToCategory) {
			score = 1
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, bestScore > 0
}

// IsCritical reports whether a remote priority name marks a task critical.
func IsCritical(priority string) bool {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "highest", "critical", "blocker", "urgent":
		return true
	}
	return false
}
