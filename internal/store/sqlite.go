package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create db directory: %v", errs.ErrMail, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", errs.ErrMail, err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all access through Go's connection pool, so
	// multi-process writers contend on busy_timeout instead of failing.
	db.SetMaxOpenConns(1)

	// WAL mode for concurrent reads across processes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: enable WAL mode: %v", errs.ErrMail, err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: set busy timeout: %v", errs.ErrMail, err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: enable foreign keys: %v", errs.ErrMail, err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string. ULIDs are globally unique and
// lexicographically sortable by creation time.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("%w: create migrations table: %v", errs.ErrMail, err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("%w: read migrations dir: %v", errs.ErrMail, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("%w: check migration %s: %v", errs.ErrMail, name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("%w: read migration %s: %v", errs.ErrMail, name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("%w: apply migration %s: %v", errs.ErrMail, name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("%w: record migration %s: %v", errs.ErrMail, name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Mailbox ---

const messageCols = `id, from_agent, to_agent, subject, body, type, priority, payload, created_at, read_at, injected_at, in_reply_to`

func (s *SQLiteStore) SendMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	if m.Type == "" {
		m.Type = models.TypeStatus
	}
	if m.Priority == "" {
		m.Priority = models.PriorityNormal
	}
	m.CreatedAt = time.Now().UTC()

	var inReplyTo any
	if m.InReplyTo != "" {
		inReplyTo = m.InReplyTo
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		m.ID, m.From, m.To, m.Subject, m.Body, string(m.Type), string(m.Priority),
		m.Payload, m.CreatedAt, inReplyTo,
	)
	if err != nil {
		return fmt.Errorf("%w: send message: %v", errs.ErrMail, err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message not found: %s", errs.ErrMail, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get message: %v", errs.ErrMail, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*models.Message, error) {
	query := `SELECT ` + messageCols + ` FROM messages`
	var conditions []string
	var args []any

	if filter.From != "" {
		conditions = append(conditions, "from_agent = ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		conditions = append(conditions, "to_agent = ?")
		args = append(args, filter.To)
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "read_at IS NULL")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", errs.ErrMail, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", errs.ErrMail, err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) MarkRead(ctx context.Context, id string) (bool, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return false, err
	}
	if m.ReadAt != nil {
		return true, nil
	}

	readAt := time.Now().UTC()
	// Guard the read_at >= created_at invariant against clock slop.
	if readAt.Before(m.CreatedAt) {
		readAt = m.CreatedAt
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL", readAt, id)
	if err != nil {
		return false, fmt.Errorf("%w: mark read: %v", errs.ErrMail, err)
	}
	return false, nil
}

func (s *SQLiteStore) MarkUnread(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET read_at = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: mark unread: %v", errs.ErrMail, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: message not found: %s", errs.ErrMail, id)
	}
	return nil
}

func (s *SQLiteStore) Reply(ctx context.Context, originalID, from, body string) (*models.Message, error) {
	original, err := s.GetMessage(ctx, originalID)
	if err != nil {
		return nil, err
	}

	// Replying to your own message continues the thread toward the original
	// recipient; anyone else replies back to the sender.
	to := original.From
	if from == original.From {
		to = original.To
	}

	subject := original.Subject
	if !strings.HasPrefix(subject, "Re: ") {
		subject = "Re: " + subject
	}

	reply := &models.Message{
		From:      from,
		To:        to,
		Subject:   subject,
		Body:      body,
		Type:      models.TypeStatus,
		Priority:  models.PriorityNormal,
		InReplyTo: originalID,
	}
	if err := s.SendMessage(ctx, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (s *SQLiteStore) FetchInjection(ctx context.Context, recipient string) ([]*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", errs.ErrMail, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		WHERE to_agent = ? AND read_at IS NULL AND injected_at IS NULL
		ORDER BY created_at ASC, id ASC`, recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch injection: %v", errs.ErrMail, err)
	}

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%w: scan message: %v", errs.ErrMail, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("%w: fetch injection: %v", errs.ErrMail, err)
	}
	_ = rows.Close()

	now := time.Now().UTC()
	for _, m := range messages {
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET injected_at = ? WHERE id = ?", now, m.ID); err != nil {
			return nil, fmt.Errorf("%w: stamp injected_at: %v", errs.ErrMail, err)
		}
		m.InjectedAt = &now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit injection: %v", errs.ErrMail, err)
	}
	return messages, nil
}

func (s *SQLiteStore) LastMessageTime(ctx context.Context, agentName string) (time.Time, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at FROM messages WHERE from_agent = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		agentName).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: last message time: %v", errs.ErrMail, err)
	}
	return last, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*models.Message, error) {
	m := &models.Message{}
	var msgType, priority string
	var readAt, injectedAt sql.NullTime
	var inReplyTo sql.NullString

	err := sc.Scan(&m.ID, &m.From, &m.To, &m.Subject, &m.Body, &msgType, &priority,
		&m.Payload, &m.CreatedAt, &readAt, &injectedAt, &inReplyTo)
	if err != nil {
		return nil, err
	}

	m.Type = models.MessageType(msgType)
	m.Priority = models.Priority(priority)
	if readAt.Valid {
		m.ReadAt = &readAt.Time
	}
	if injectedAt.Valid {
		m.InjectedAt = &injectedAt.Time
	}
	if inReplyTo.Valid {
		m.InReplyTo = inReplyTo.String
	}
	return m, nil
}

// --- Merge queue ---

const mergeCols = `id, branch_name, task_id, agent_name, files_modified, enqueued_at, status, resolved_tier`

func (s *SQLiteStore) EnqueueMerge(ctx context.Context, e *models.MergeEntry) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	e.Status = models.MergePending

	files, err := json.Marshal(e.FilesModified)
	if err != nil {
		files = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO merge_queue (`+mergeCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		e.ID, e.BranchName, e.TaskID, e.AgentName, string(files), e.EnqueuedAt, string(e.Status),
	)
	if err != nil {
		return fmt.Errorf("%w: enqueue merge: %v", errs.ErrMerge, err)
	}
	return nil
}

func (s *SQLiteStore) NextPendingMerge(ctx context.Context) (*models.MergeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mergeCols+` FROM merge_queue
		WHERE status = 'pending'
		ORDER BY enqueued_at ASC, branch_name ASC LIMIT 1`)
	e, err := scanMergeEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: next pending merge: %v", errs.ErrMerge, err)
	}
	return e, nil
}

func (s *SQLiteStore) ListMergeEntries(ctx context.Context, status models.MergeStatus) ([]*models.MergeEntry, error) {
	query := `SELECT ` + mergeCols + ` FROM merge_queue`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY enqueued_at ASC, branch_name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list merge entries: %v", errs.ErrMerge, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.MergeEntry
	for rows.Next() {
		e, err := scanMergeEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan merge entry: %v", errs.ErrMerge, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) ResolveMergeEntry(ctx context.Context, id string, status models.MergeStatus, tier models.Tier) error {
	var tierVal any
	if tier != "" {
		tierVal = string(tier)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_queue SET status = ?, resolved_tier = ? WHERE id = ? AND status = 'pending'`,
		string(status), tierVal, id)
	if err != nil {
		return fmt.Errorf("%w: resolve merge entry: %v", errs.ErrMerge, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: merge entry not pending: %s", errs.ErrMerge, id)
	}
	return nil
}

func scanMergeEntry(sc scanner) (*models.MergeEntry, error) {
	e := &models.MergeEntry{}
	var files, status string
	var tier sql.NullString

	err := sc.Scan(&e.ID, &e.BranchName, &e.TaskID, &e.AgentName, &files, &e.EnqueuedAt, &status, &tier)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(files), &e.FilesModified)
	e.Status = models.MergeStatus(status)
	if tier.Valid {
		e.ResolvedTier = models.Tier(tier.String)
	}
	return e, nil
}

// --- Agent mirror ---

const agentCols = `name, capability, task_id, parent_name, depth, branch, worktree_path, session_name, session_handle, pid, spawned_at`

func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *models.Agent) error {
	if a.SpawnedAt.IsZero() {
		a.SpawnedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			capability = excluded.capability,
			task_id = excluded.task_id,
			parent_name = excluded.parent_name,
			depth = excluded.depth,
			branch = excluded.branch,
			worktree_path = excluded.worktree_path,
			session_name = excluded.session_name,
			session_handle = excluded.session_handle,
			pid = excluded.pid,
			spawned_at = excluded.spawned_at`,
		a.Name, string(a.Capability), a.TaskID, a.ParentName, a.Depth,
		a.Branch, a.WorktreePath, a.SessionName, a.SessionHandle, a.PID, a.SpawnedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert agent: %v", errs.ErrAgent, err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent not found: %s", errs.ErrAgent, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get agent: %v", errs.ErrAgent, err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY spawned_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", errs.ErrAgent, err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan agent: %v", errs.ErrAgent, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("%w: delete agent: %v", errs.ErrAgent, err)
	}
	return nil
}

func scanAgent(sc scanner) (*models.Agent, error) {
	a := &models.Agent{}
	var capability string
	err := sc.Scan(&a.Name, &capability, &a.TaskID, &a.ParentName, &a.Depth,
		&a.Branch, &a.WorktreePath, &a.SessionName, &a.SessionHandle, &a.PID, &a.SpawnedAt)
	if err != nil {
		return nil, err
	}
	a.Capability = models.Capability(capability)
	return a, nil
}
