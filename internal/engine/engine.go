// Package engine implements bidirectional synchronization between remote
// issues and local tasks: inbound webhooks, scheduled reconciliation,
// outbound pushes and the connection lifecycle.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/auth"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/statusmap"
	"jirasync.io/internal/tasks"
	"jirasync.io/internal/tokens"
)

// Remote is the site-scoped remote API surface the engine uses.
type Remote interface {
	Myself(ctx context.Context) (jira.Myself, error)
	ListProjects(ctx context.Context) ([]jira.Project, error)
	SearchIssues(ctx context.Context, jql string, fields []string) ([]jira.Issue, error)
	GetIssue(ctx context.Context, key string) (jira.Issue, error)
	UpdateIssue(ctx context.Context, key string, fields map[string]any) error
	Transitions(ctx context.Context, key string) ([]statusmap.Transition, error)
	DoTransition(ctx context.Context, key, transitionID string) error
	RegisterWebhook(ctx context.Context, callbackURL string, events []string, jql string) (int64, error)
	DeleteWebhooks(ctx context.Context, ids []int64) error
	RefreshWebhooks(ctx context.Context, ids []int64) (time.Time, error)
}

// Dialer opens site-scoped remotes.
type Dialer interface {
	ForSite(cloudID string, tokens jira.TokenProvider) Remote
	AccessibleResources(ctx context.Context, accessToken string) ([]jira.Resource, error)
	FieldSet() jira.FieldSet
}

type jiraDialer struct{ c *jira.Client }

// NewJiraDialer adapts the REST client to Dialer.
func NewJiraDialer(c *jira.Client) Dialer { return jiraDialer{c: c} }

func (d jiraDialer) ForSite(cloudID string, tp jira.TokenProvider) Remote {
	return d.c.ForSite(cloudID, tp)
}

func (d jiraDialer) AccessibleResources(ctx context.Context, accessToken string) ([]jira.Resource, error) {
	return d.c.AccessibleResources(ctx, accessToken)
}

func (d jiraDialer) FieldSet() jira.FieldSet { return d.c.FieldSet() }

// Deps are the collaborators the engine drives.
type Deps struct {
	Registry connection.Registry
	Tasks    tasks.Store
	Projects tasks.Projects
	Tokens   *tokens.Manager
	Remote   Dialer
	Recorder *audit.Recorder
	// Signer, when set, signs webhook URLs and requires a valid token on
	// every delivery.
	Signer *auth.Signer
}

// Options tunes engine behaviour. Zero values fall back to defaults.
type Options struct {
	PublicBaseURL       string
	FanoutConcurrency   int
	FanoutRatePerSec    float64
	WebhookRefreshEvery time.Duration
	PruneAfter          time.Duration
}

// Engine is safe for concurrent use.
type Engine struct {
	registry connection.Registry
	tasks    tasks.Store
	projects tasks.Projects
	tokens   *tokens.Manager
	remote   Dialer
	recorder *audit.Recorder
	signer   *auth.Signer
	opts     Options
	limiter  *rate.Limiter
	now      func() time.Time
}

func New(d Deps, opts Options) *Engine {
	if opts.FanoutConcurrency <= 0 {
		opts.FanoutConcurrency = 4
	}
	if opts.FanoutRatePerSec <= 0 {
		opts.FanoutRatePerSec = 5
	}
	if opts.WebhookRefreshEvery <= 0 {
		opts.WebhookRefreshEvery = 7 * 24 * time.Hour
	}
	if opts.PruneAfter <= 0 {
		opts.PruneAfter = 30 * 24 * time.Hour
	}
	opts.PublicBaseURL = strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/")
	return &Engine{
		registry: d.Registry,
		tasks:    d.Tasks,
		projects: d.Projects,
		tokens:   d.Tokens,
		remote:   d.Remote,
		recorder: d.Recorder,
		signer:   d.Signer,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.FanoutRatePerSec), 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the connection registry for read-side handlers.
func (e *Engine) Registry() connection.Registry { return e.registry }

func (e *Engine) siteRemote(c connection.Connection) Remote {
	return e.remote.ForSite(c.SiteID, e.tokens.Provider(c.ID))
}

func (e *Engine) fieldSet() jira.FieldSet {
	return e.remote.FieldSet()
}

func (e *Engine) record(ctx context.Context, event, connID, userID string, ok bool, details map[string]any) {
	if e.recorder == nil {
		return
	}
	_, _ = e.recorder.Record(ctx, audit.Entry{
		Event:        event,
		ConnectionID: connID,
		UserID:       userID,
		Success:      ok,
		Details:      details,
	})
}

// needsReconnect reports whether err requires the user to reconnect.
func needsReconnect(err error) bool {
	return errors.Is(err, tokens.ErrNeedsReconnect)
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}
