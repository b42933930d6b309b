// Package tasks is the task-storage collaborator the sync engine writes into.
package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"jirasync.io/internal/ids"
)

// Store defines the task operations the sync engine relies on.
type Store interface {
	Create(ctx context.Context, t Task) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	FindByRemoteKey(ctx context.Context, siteID, issueKey string) (Task, error)
	ListLinked(ctx context.Context, userID, siteID string) ([]Task, error)
	// SitesForIssueKey lists the distinct sites holding a linked task for
	// issueKey.
	SitesForIssueKey(ctx context.Context, issueKey string) ([]string, error)
	Update(ctx context.Context, id string, p Patch) (Task, error)
	// Unlink clears remote linkage of every task the user has on the site.
	// The task rows themselves are kept.
	Unlink(ctx context.Context, userID, siteID string) (int, error)
	// PruneDeleted unlinks tasks soft-deleted remotely before olderThan.
	PruneDeleted(ctx context.Context, olderThan time.Time) (int, error)
}

// Projects resolves the local project for a remote project.
type Projects interface {
	EnsureProject(ctx context.Context, userID, remoteKey, name string) (Project, error)
}

// InMemory implements Store and Projects with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	byRemote map[string]string // site|key -> task id
	projects map[string]*Project
	now      func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		tasks:    make(map[string]*Task),
		byRemote: make(map[string]string),
		projects: make(map[string]*Project),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func remoteKey(siteID, issueKey string) string {
	return siteID + "|" + strings.ToUpper(issueKey)
}

func (s *InMemory) Create(ctx context.Context, t Task) (Task, error) {
	if strings.TrimSpace(t.UserID) == "" || strings.TrimSpace(t.Title) == "" {
		return Task{}, ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Linked() {
		if _, ok := s.byRemote[remoteKey(t.RemoteSiteID, t.RemoteIssueKey)]; ok {
			return Task{}, ErrDuplicate
		}
	}
	if t.ID == "" {
		t.ID = newID()
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	stored := t.clone()
	s.tasks[t.ID] = &stored
	if t.Linked() {
		s.byRemote[remoteKey(t.RemoteSiteID, t.RemoteIssueKey)] = t.ID
	}
	return stored.clone(), nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.clone(), nil
}

func (s *InMemory) FindByRemoteKey(ctx context.Context, siteID, issueKey string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRemote[remoteKey(siteID, issueKey)]
	if !ok {
		return Task{}, ErrNotFound
	}
	return s.tasks[id].clone(), nil
}

func (s *InMemory) ListLinked(ctx context.Context, userID, siteID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if t.UserID == userID && t.RemoteSiteID == siteID && t.Linked() {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) SitesForIssueKey(ctx context.Context, issueKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, t := range s.tasks {
		if t.Linked() && strings.EqualFold(t.RemoteIssueKey, issueKey) && !seen[t.RemoteSiteID] {
			seen[t.RemoteSiteID] = true
			out = append(out, t.RemoteSiteID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) Update(ctx context.Context, id string, p Patch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if p.IsEmpty() {
		return t.clone(), nil
	}
	updated := p.Apply(t.clone())
	updated.UpdatedAt = s.now()
	*t = updated
	return t.clone(), nil
}

func (s *InMemory) unlinkLocked(t *Task) {
	delete(s.byRemote, remoteKey(t.RemoteSiteID, t.RemoteIssueKey))
	t.RemoteIssueID = ""
	t.RemoteIssueKey = ""
	t.RemoteProjectID = ""
	t.RemoteStatusName = ""
	t.RemoteStatusCategory = ""
	t.RemoteSiteID = ""
	t.SyncStatus = ""
	t.AssignedAt = nil
	t.UpdatedAt = s.now()
}

func (s *InMemory) Unlink(ctx context.Context, userID, siteID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.UserID == userID && t.RemoteSiteID == siteID && t.Linked() {
			s.unlinkLocked(t)
			n++
		}
	}
	return n, nil
}

func (s *InMemory) PruneDeleted(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Linked() && t.SyncStatus == SyncDeleted && t.UpdatedAt.Before(olderThan) {
			s.unlinkLocked(t)
			n++
		}
	}
	return n, nil
}

// EnsureProject returns the user's project for remoteKey, creating it once.
func (s *InMemory) EnsureProject(ctx context.Context, userID, remoteKey, name string) (Project, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(remoteKey) == "" {
		return Project{}, ErrInvalid
	}
	k := userID + "|" + strings.ToUpper(remoteKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[k]; ok {
		return *p, nil
	}
	if strings.TrimSpace(name) == "" {
		name = remoteKey
	}
	p := &Project{
		ID:        ids.NewPrefixed("proj"),
		UserID:    userID,
		Name:      name,
		RemoteKey: strings.ToUpper(remoteKey),
		CreatedAt: s.now(),
	}
	s.projects[k] = p
	return *p, nil
}

// Len reports the number of stored tasks.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
