package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"coordinator/pkg/logx"
)

// ErrNotFound is returned when a task ID does not exist in the store.
var ErrNotFound = errors.New("task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	channel_id          TEXT NOT NULL,
	title               TEXT NOT NULL,
	description         TEXT NOT NULL,
	status              TEXT NOT NULL,
	priority            TEXT NOT NULL,
	strategy            TEXT NOT NULL,
	scope               TEXT NOT NULL,
	assigned_agent_id   TEXT,
	assigned_agent_ids  TEXT,
	lead_agent_id       TEXT,
	completion_agent_id TEXT,
	target_agent_roles  TEXT,
	exclude_agent_ids   TEXT,
	max_participants    INTEGER DEFAULT 0,
	progress            INTEGER DEFAULT 0,
	metadata            TEXT,
	tags                TEXT,
	depends_on          TEXT,
	created_by          TEXT NOT NULL,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_channel ON tasks(channel_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_agent_id);
`

// SQLiteStore is the durable Store backed by a local SQLite database.
// It is explicitly constructed and passed by reference; there is no package
// singleton.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// OpenSQLite opens (or creates) the task database at path with WAL mode and a
// busy timeout, and ensures the schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping task database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("taskstore")
	logger.Info("Task database opened: %s", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close task database: %w", err)
	}
	return nil
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalMap(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

// Create persists a new task record.
func (s *SQLiteStore) Create(t *Task) error {
	query := `
		INSERT INTO tasks (
			id, channel_id, title, description, status, priority, strategy, scope,
			assigned_agent_id, assigned_agent_ids, lead_agent_id, completion_agent_id,
			target_agent_roles, exclude_agent_ids, max_participants, progress,
			metadata, tags, depends_on, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		t.ID, t.ChannelID, t.Title, t.Description, string(t.Status), string(t.Priority),
		string(t.Strategy), string(t.Scope), t.AssignedAgentID,
		marshalJSON(t.AssignedAgentIDs), t.LeadAgentID, t.CompletionAgentID,
		marshalJSON(t.TargetAgentRoles), marshalJSON(t.ExcludeAgentIDs),
		t.MaxParticipants, t.Progress, marshalJSON(t.Metadata),
		marshalJSON(t.Tags), marshalJSON(t.DependsOn), t.CreatedBy,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `
	id, channel_id, title, description, status, priority, strategy, scope,
	assigned_agent_id, assigned_agent_ids, lead_agent_id, completion_agent_id,
	target_agent_roles, exclude_agent_ids, max_participants, progress,
	metadata, tags, depends_on, created_by, created_at, updated_at
`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var status, priority, strategy, scope string
	var assignedID, leadID, completionID, createdBy sql.NullString
	var assignedIDs, roles, excludes, metadata, tags, dependsOn sql.NullString

	err := row.Scan(
		&t.ID, &t.ChannelID, &t.Title, &t.Description, &status, &priority,
		&strategy, &scope, &assignedID, &assignedIDs, &leadID, &completionID,
		&roles, &excludes, &t.MaxParticipants, &t.Progress,
		&metadata, &tags, &dependsOn, &createdBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.Strategy = Strategy(strategy)
	t.Scope = Scope(scope)
	t.AssignedAgentID = assignedID.String
	t.LeadAgentID = leadID.String
	t.CompletionAgentID = completionID.String
	t.CreatedBy = createdBy.String
	t.AssignedAgentIDs = unmarshalStrings(assignedIDs)
	t.TargetAgentRoles = unmarshalStrings(roles)
	t.ExcludeAgentIDs = unmarshalStrings(excludes)
	t.Metadata = unmarshalMap(metadata)
	t.Tags = unmarshalStrings(tags)
	t.DependsOn = unmarshalStrings(dependsOn)
	return &t, nil
}

// FindByID returns the task with the given ID, or ErrNotFound.
func (s *SQLiteStore) FindByID(id string) (*Task, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return t, nil
}

// UpdateByID applies a patch to the stored task and returns the updated
// record. Metadata keys merge into the existing map; other patched fields
// replace wholesale.
func (s *SQLiteStore) UpdateByID(id string, patch *Patch) (*Task, error) {
	current, err := s.FindByID(id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		current.Status = *patch.Status
	}
	if patch.Priority != nil {
		current.Priority = *patch.Priority
	}
	if patch.AssignedAgentID != nil {
		current.AssignedAgentID = *patch.AssignedAgentID
	}
	if patch.AssignedAgentIDs != nil {
		current.AssignedAgentIDs = *patch.AssignedAgentIDs
	}
	if patch.LeadAgentID != nil {
		current.LeadAgentID = *patch.LeadAgentID
	}
	if patch.CompletionAgentID != nil {
		current.CompletionAgentID = *patch.CompletionAgentID
	}
	if patch.Progress != nil {
		current.Progress = *patch.Progress
	}
	if patch.Tags != nil {
		current.Tags = *patch.Tags
	}
	if len(patch.Metadata) > 0 {
		if current.Metadata == nil {
			current.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			current.Metadata[k] = v
		}
	}
	current.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE tasks SET
			status = ?, priority = ?, assigned_agent_id = ?, assigned_agent_ids = ?,
			lead_agent_id = ?, completion_agent_id = ?, progress = ?,
			metadata = ?, tags = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = s.db.Exec(query,
		string(current.Status), string(current.Priority), current.AssignedAgentID,
		marshalJSON(current.AssignedAgentIDs), current.LeadAgentID,
		current.CompletionAgentID, current.Progress,
		marshalJSON(current.Metadata), marshalJSON(current.Tags),
		current.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return current, nil
}

// Find returns tasks matching the filter, newest first.
func (s *SQLiteStore) Find(filter Filter) ([]*Task, error) {
	conds := []string{}
	args := []any{}

	if filter.ChannelID != "" {
		conds = append(conds, "channel_id = ?")
		args = append(args, filter.ChannelID)
	}
	if filter.CreatedBy != "" {
		conds = append(conds, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ActiveOnly {
		conds = append(conds, "status NOT IN ('completed', 'failed', 'cancelled')")
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		// AgentID matching includes the multi-agent list, which lives in a
		// JSON column; filter here rather than in SQL.
		if filter.AgentID != "" && !taskInvolvesAgent(t, filter.AgentID) {
			continue
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

func taskInvolvesAgent(t *Task, agentID string) bool {
	if t.AssignedAgentID == agentID {
		return true
	}
	for _, id := range t.AssignedAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}
