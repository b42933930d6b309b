package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"jirasync.io/internal/ids"
	"jirasync.io/internal/statusmap"
	"jirasync.io/internal/tasks"
)

// TaskStore implements tasks.Store and tasks.Projects.
type TaskStore struct {
	db *sql.DB
}

var (
	_ tasks.Store    = (*TaskStore)(nil)
	_ tasks.Projects = (*TaskStore)(nil)
)

const taskColumns = `id, user_id, project_id, title, description, status, critical, due_date, start_date,
	completed_at, tags, sprint_id, sprint_name, sprint_state, parent_key, issue_type,
	remote_issue_id, remote_issue_key, remote_project_id, remote_status_name, remote_status_category,
	sync_status, remote_site_id, assigned_at, created_at, updated_at`

func scanTask(row scanner) (tasks.Task, error) {
	var (
		t                                    tasks.Task
		projectID, description               sql.NullString
		status                               string
		due, start, completed, assigned      sql.NullTime
		rawTags                              []byte
		sprintID, sprintName, sprintState    sql.NullString
		parentKey, issueType                 sql.NullString
		remoteID, remoteKey, remoteProject   sql.NullString
		remoteStatus, remoteCategory, syncSt sql.NullString
		remoteSite                           sql.NullString
	)
	err := row.Scan(&t.ID, &t.UserID, &projectID, &t.Title, &description, &status, &t.Critical, &due, &start,
		&completed, &rawTags, &sprintID, &sprintName, &sprintState, &parentKey, &issueType,
		&remoteID, &remoteKey, &remoteProject, &remoteStatus, &remoteCategory,
		&syncSt, &remoteSite, &assigned, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return tasks.Task{}, err
	}
	t.ProjectID = projectID.String
	t.Description = description.String
	t.Status = statusmap.LocalState(status)
	t.DueDate = timePtr(due)
	t.StartDate = timePtr(start)
	t.CompletedAt = timePtr(completed)
	t.AssignedAt = timePtr(assigned)
	if len(rawTags) > 0 {
		if err := json.Unmarshal(rawTags, &t.Tags); err != nil {
			return tasks.Task{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	t.SprintID, t.SprintName, t.SprintState = sprintID.String, sprintName.String, sprintState.String
	t.ParentKey, t.IssueType = parentKey.String, issueType.String
	t.RemoteIssueID, t.RemoteIssueKey, t.RemoteProjectID = remoteID.String, remoteKey.String, remoteProject.String
	t.RemoteStatusName, t.RemoteStatusCategory = remoteStatus.String, remoteCategory.String
	t.SyncStatus = tasks.SyncStatus(syncSt.String)
	t.RemoteSiteID = remoteSite.String
	return t, nil
}

// taskArgs lists the writable columns in taskColumns order, starting at
// project_id.
func taskArgs(t tasks.Task) ([]any, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	rawTags, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return []any{
		nullIfEmpty(t.ProjectID), t.Title, nullIfEmpty(t.Description), string(t.Status), t.Critical,
		nullTime(t.DueDate), nullTime(t.StartDate), nullTime(t.CompletedAt), rawTags,
		nullIfEmpty(t.SprintID), nullIfEmpty(t.SprintName), nullIfEmpty(t.SprintState),
		nullIfEmpty(t.ParentKey), nullIfEmpty(t.IssueType),
		nullIfEmpty(t.RemoteIssueID), nullIfEmpty(t.RemoteIssueKey), nullIfEmpty(t.RemoteProjectID),
		nullIfEmpty(t.RemoteStatusName), nullIfEmpty(t.RemoteStatusCategory),
		nullIfEmpty(string(t.SyncStatus)), nullIfEmpty(t.RemoteSiteID), nullTime(t.AssignedAt),
	}, nil
}

func (s *TaskStore) Create(ctx context.Context, t tasks.Task) (tasks.Task, error) {
	if s.db == nil {
		return tasks.Task{}, errNoDB
	}
	if strings.TrimSpace(t.UserID) == "" || strings.TrimSpace(t.Title) == "" {
		return tasks.Task{}, tasks.ErrInvalid
	}
	if t.ID == "" {
		t.ID = ids.NewPrefixed("task")
	}
	args, err := taskArgs(t)
	if err != nil {
		return tasks.Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into tasks (id, user_id, project_id, title, description, status, critical, due_date, start_date,
			completed_at, tags, sprint_id, sprint_name, sprint_state, parent_key, issue_type,
			remote_issue_id, remote_issue_key, remote_project_id, remote_status_name, remote_status_category,
			sync_status, remote_site_id, assigned_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		returning `+taskColumns,
		append([]any{t.ID, t.UserID}, args...)...)
	out, err := scanTask(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return tasks.Task{}, tasks.ErrDuplicate
			case pgErrForeignKeyViolation:
				return tasks.Task{}, fmt.Errorf("%w: unknown project", tasks.ErrInvalid)
			}
		}
		return tasks.Task{}, err
	}
	return out, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (tasks.Task, error) {
	if s.db == nil {
		return tasks.Task{}, errNoDB
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, `select `+taskColumns+` from tasks where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, tasks.ErrNotFound
	}
	return t, err
}

func (s *TaskStore) FindByRemoteKey(ctx context.Context, siteID, issueKey string) (tasks.Task, error) {
	if s.db == nil {
		return tasks.Task{}, errNoDB
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		select `+taskColumns+` from tasks
		where remote_site_id = $1 and upper(remote_issue_key) = upper($2)
	`, siteID, issueKey))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, tasks.ErrNotFound
	}
	return t, err
}

func (s *TaskStore) ListLinked(ctx context.Context, userID, siteID string) ([]tasks.Task, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+taskColumns+` from tasks
		where user_id = $1 and remote_site_id = $2 and remote_issue_key is not null
		order by id
	`, userID, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) SitesForIssueKey(ctx context.Context, issueKey string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct remote_site_id from tasks
		where upper(remote_issue_key) = upper($1) and remote_site_id is not null
		order by remote_site_id
	`, issueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

// Update applies p under a row lock so concurrent webhook and sync writers
// never interleave a read-modify-write.
func (s *TaskStore) Update(ctx context.Context, id string, p tasks.Patch) (tasks.Task, error) {
	if s.db == nil {
		return tasks.Task{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tasks.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanTask(tx.QueryRowContext(ctx, `select `+taskColumns+` from tasks where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, tasks.ErrNotFound
	}
	if err != nil {
		return tasks.Task{}, err
	}
	if p.IsEmpty() {
		return current, tx.Commit()
	}

	args, err := taskArgs(p.Apply(current))
	if err != nil {
		return tasks.Task{}, err
	}
	updated, err := scanTask(tx.QueryRowContext(ctx, `
		update tasks set project_id = $2, title = $3, description = $4, status = $5, critical = $6,
			due_date = $7, start_date = $8, completed_at = $9, tags = $10, sprint_id = $11,
			sprint_name = $12, sprint_state = $13, parent_key = $14, issue_type = $15,
			remote_issue_id = $16, remote_issue_key = $17, remote_project_id = $18,
			remote_status_name = $19, remote_status_category = $20, sync_status = $21,
			remote_site_id = $22, assigned_at = $23, updated_at = now()
		where id = $1
		returning `+taskColumns,
		append([]any{id}, args...)...))
	if err != nil {
		return tasks.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return tasks.Task{}, err
	}
	return updated, nil
}

const unlinkSet = `remote_issue_id = null, remote_issue_key = null, remote_project_id = null,
	remote_status_name = null, remote_status_category = null, remote_site_id = null,
	sync_status = null, assigned_at = null, updated_at = now()`

func (s *TaskStore) Unlink(ctx context.Context, userID, siteID string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update tasks set `+unlinkSet+`
		where user_id = $1 and remote_site_id = $2 and remote_issue_key is not null
	`, userID, siteID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *TaskStore) PruneDeleted(ctx context.Context, olderThan time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update tasks set `+unlinkSet+`
		where sync_status = 'deleted' and remote_issue_key is not null and updated_at < $1
	`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// EnsureProject upserts on (user_id, remote_key); a non-empty name refreshes
// the stored one.
func (s *TaskStore) EnsureProject(ctx context.Context, userID, remoteKey, name string) (tasks.Project, error) {
	if s.db == nil {
		return tasks.Project{}, errNoDB
	}
	remoteKey = strings.ToUpper(strings.TrimSpace(remoteKey))
	if strings.TrimSpace(userID) == "" || remoteKey == "" {
		return tasks.Project{}, tasks.ErrInvalid
	}
	if strings.TrimSpace(name) == "" {
		name = remoteKey
	}
	var p tasks.Project
	err := s.db.QueryRowContext(ctx, `
		insert into projects (id, user_id, name, remote_key)
		values ($1, $2, $3, $4)
		on conflict (user_id, remote_key) do update set name = excluded.name
		returning id, user_id, name, remote_key, created_at
	`, ids.NewPrefixed("proj"), userID, name, remoteKey).Scan(&p.ID, &p.UserID, &p.Name, &p.RemoteKey, &p.CreatedAt)
	if err != nil {
		return tasks.Project{}, err
	}
	return p, nil
}
