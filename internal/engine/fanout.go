package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jirasync.io/internal/connection"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/obs"
)

// sprintSummary is folded into the delivery's audit entry.
type sprintSummary struct {
	ID   string
	Name string
	Jobs int
}

type fanoutJob struct {
	conn    connection.Connection
	project connection.ProjectSetting
}

// fanoutSprint refreshes the sprint's issues for every connection on the
// site and every enabled project. Jobs are capped and paced so many users
// sharing a site do not trip the remote rate limiter. A failing job never
// cancels its siblings.
func (e *Engine) fanoutSprint(ctx context.Context, res WebhookResult, candidates []connection.Connection, sprint jira.Sprint) WebhookResult {
	var jobs []fanoutJob
	for _, c := range candidates {
		if c.NeedsReconnect || c.RemoteAccountID == "" {
			continue
		}
		for _, p := range c.EnabledProjects() {
			jobs = append(jobs, fanoutJob{conn: c, project: p})
		}
	}

	var (
		mu      sync.Mutex
		created int
		updated int
		errs    []string
	)
	fail := func(j fanoutJob, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, fmt.Sprintf("%s/%s: %v", j.conn.ID, j.project.Key, err))
	}

	var g errgroup.Group
	g.SetLimit(e.opts.FanoutConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				fail(j, err)
				return nil
			}
			jql := fmt.Sprintf("sprint = %d AND assignee = %s AND project = %s",
				sprint.ID, jira.QuoteJQL(j.conn.RemoteAccountID), jira.QuoteJQL(j.project.Key))
			issues, err := e.siteRemote(j.conn).SearchIssues(ctx, jql, nil)
			if err != nil {
				fail(j, err)
				return nil
			}
			for _, iss := range issues {
				if iss.Sprint == nil || iss.Sprint.ID != sprint.ID {
					s := sprint
					iss.Sprint = &s
				}
				out, err := e.upsertIssue(ctx, j.conn, iss, upsertOpts{mode: diffFull})
				if err != nil {
					fail(j, err)
					continue
				}
				mu.Lock()
				switch out.action {
				case ActionCreated:
					created++
				case ActionUpdated:
					updated++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		obs.Logger().Warn("sprint fan-out errors",
			zap.Int64("sprint_id", sprint.ID),
			zap.Strings("errors", errs))
	}

	res.sprint = &sprintSummary{
		ID:   strconv.FormatInt(sprint.ID, 10),
		Name: sprint.Name,
		Jobs: len(jobs),
	}
	res.Processed = true
	res.Action = ActionSprintSynced
	res.Created = created
	res.Updated = updated
	res.Errors = errs
	return res
}
