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
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/town/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access and keeps UpdateAgent's read-modify-write atomic.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// NewID generates a new ULID string.
func NewID() string {
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
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
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
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Buildings ---

func (s *SQLiteStore) CreateBuilding(ctx context.Context, b *models.Building) error {
	if b.ID == "" {
		b.ID = NewID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Style == "" {
		b.Style = models.StyleSaloon
	}
	return insertBuilding(ctx, s.db, b)
}

func insertBuilding(ctx context.Context, q querier, b *models.Building) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO buildings (id, name, project_path, style, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.ProjectPath, string(b.Style), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create building: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBuilding(ctx context.Context, id string) (*models.Building, error) {
	return getBuilding(ctx, s.db, id)
}

func getBuilding(ctx context.Context, q querier, id string) (*models.Building, error) {
	b := &models.Building{}
	var style string
	err := q.QueryRowContext(ctx,
		`SELECT id, name, project_path, style, created_at FROM buildings WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &b.ProjectPath, &style, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("building %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get building: %w", err)
	}
	b.Style = models.BuildingStyle(style)

	b.AgentIDs, err = agentIDs(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func agentIDs(ctx context.Context, q querier, buildingID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM agents WHERE building_id = ? ORDER BY position`, buildingID)
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListBuildings(ctx context.Context) ([]*models.Building, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM buildings ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list buildings: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan building: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buildings: %w", err)
	}

	buildings := make([]*models.Building, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBuilding(ctx, id)
		if err != nil {
			return nil, err
		}
		buildings = append(buildings, b)
	}
	return buildings, nil
}

// DeleteBuilding removes a building and, by cascade, its agents and conversations.
func (s *SQLiteStore) DeleteBuilding(ctx context.Context, id string) error {
	return deleteBuilding(ctx, s.db, id)
}

func deleteBuilding(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM buildings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete building: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("building %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Agents ---

const agentColumns = `id, building_id, state, current_task, initial_prompt, custom_system_prompt,
	created_at, completed_at, error, session_token, pending_question, pending_permission,
	worktree_path, branch_name, merge_status, merge_commit_sha`

// CreateAgent appends the agent to its building's agent order.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.MergeStatus == "" {
		a.MergeStatus = models.MergeStatusNone
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getBuilding(ctx, tx, a.BuildingID); err != nil {
			return err
		}
		return insertAgent(ctx, tx, a)
	})
}

func insertAgent(ctx context.Context, q querier, a *models.Agent) error {
	question, permission, err := encodePending(a)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), -1) + 1 FROM agents WHERE building_id = ?))`,
		a.ID, a.BuildingID, string(a.State), a.CurrentTask, a.InitialPrompt, a.CustomSystemPrompt,
		a.CreatedAt, nullTime(a.CompletedAt), a.Error, a.SessionToken, question, permission,
		a.WorktreePath, a.BranchName, string(a.MergeStatus), a.MergeCommitSHA,
		a.BuildingID,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return getAgent(ctx, s.db, id)
}

func getAgent(ctx context.Context, q querier, id string) (*models.Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, buildingID string) ([]*models.Agent, error) {
	return listAgents(ctx, s.db, buildingID)
}

func listAgents(ctx context.Context, q querier, buildingID string) ([]*models.Agent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE building_id = ? ORDER BY position`, buildingID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent loads the agent, applies fn and writes the result back in one
// transaction. An error from fn aborts the update.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, id string, fn AgentUpdate) (*models.Agent, error) {
	var updated *models.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := getAgent(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		a.ID = id
		question, permission, err := encodePending(a)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agents SET state = ?, current_task = ?, initial_prompt = ?, custom_system_prompt = ?,
				completed_at = ?, error = ?, session_token = ?, pending_question = ?, pending_permission = ?,
				worktree_path = ?, branch_name = ?, merge_status = ?, merge_commit_sha = ?
			WHERE id = ?`,
			string(a.State), a.CurrentTask, a.InitialPrompt, a.CustomSystemPrompt,
			nullTime(a.CompletedAt), a.Error, a.SessionToken, question, permission,
			a.WorktreePath, a.BranchName, string(a.MergeStatus), a.MergeCommitSHA,
			id,
		)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	a := &models.Agent{}
	var state, mergeStatus string
	var completedAt sql.NullTime
	var question, permission sql.NullString

	err := row.Scan(&a.ID, &a.BuildingID, &state, &a.CurrentTask, &a.InitialPrompt, &a.CustomSystemPrompt,
		&a.CreatedAt, &completedAt, &a.Error, &a.SessionToken, &question, &permission,
		&a.WorktreePath, &a.BranchName, &mergeStatus, &a.MergeCommitSHA)
	if err != nil {
		return nil, err
	}

	a.State = models.AgentState(state)
	a.MergeStatus = models.MergeStatus(mergeStatus)
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	if question.Valid && question.String != "" {
		a.PendingQuestion = &models.PendingQuestion{}
		if err := json.Unmarshal([]byte(question.String), a.PendingQuestion); err != nil {
			return nil, fmt.Errorf("decode pending question: %w", err)
		}
	}
	if permission.Valid && permission.String != "" {
		a.PendingPermission = &models.PendingPermission{}
		if err := json.Unmarshal([]byte(permission.String), a.PendingPermission); err != nil {
			return nil, fmt.Errorf("decode pending permission: %w", err)
		}
	}
	return a, nil
}

func encodePending(a *models.Agent) (question, permission sql.NullString, err error) {
	if a.PendingQuestion != nil {
		data, err := json.Marshal(a.PendingQuestion)
		if err != nil {
			return question, permission, fmt.Errorf("encode pending question: %w", err)
		}
		question = sql.NullString{String: string(data), Valid: true}
	}
	if a.PendingPermission != nil {
		data, err := json.Marshal(a.PendingPermission)
		if err != nil {
			return question, permission, fmt.Errorf("encode pending permission: %w", err)
		}
		permission = sql.NullString{String: string(data), Valid: true}
	}
	return question, permission, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// --- Conversations ---

func (s *SQLiteStore) AppendConversation(ctx context.Context, agentID string, entry models.ConversationEntry) error {
	return appendConversation(ctx, s.db, agentID, entry)
}

func appendConversation(ctx context.Context, q querier, agentID string, entry models.ConversationEntry) error {
	var metadata sql.NullString
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO conversation_entries (agent_id, timestamp, role, content, metadata) VALUES (?, ?, ?, ?, ?)`,
		agentID, entry.Timestamp, string(entry.Role), entry.Content, metadata,
	)
	if err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

// GetConversation returns an agent's entries in append order.
func (s *SQLiteStore) GetConversation(ctx context.Context, agentID string) ([]models.ConversationEntry, error) {
	return getConversation(ctx, s.db, agentID)
}

func getConversation(ctx context.Context, q querier, agentID string) ([]models.ConversationEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT timestamp, role, content, metadata FROM conversation_entries WHERE agent_id = ? ORDER BY seq`, agentID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	defer rows.Close()

	entries := []models.ConversationEntry{}
	for rows.Next() {
		var e models.ConversationEntry
		var role string
		var metadata sql.NullString
		if err := rows.Scan(&e.Timestamp, &role, &e.Content, &metadata); err != nil {
			return nil, fmt.Errorf("scan conversation entry: %w", err)
		}
		e.Role = models.Role(role)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Trash ---

// TrashBuilding snapshots a building with its agents and conversations, then
// deletes the live records.
func (s *SQLiteStore) TrashBuilding(ctx context.Context, id string) (*models.TrashedBuilding, error) {
	var trashed *models.TrashedBuilding
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := getBuilding(ctx, tx, id)
		if err != nil {
			return err
		}
		agents, err := listAgents(ctx, tx, id)
		if err != nil {
			return err
		}
		convs := make(map[string][]models.ConversationEntry, len(agents))
		for _, a := range agents {
			entries, err := getConversation(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			convs[a.ID] = entries
		}

		trashed = &models.TrashedBuilding{
			BuildingID:    id,
			TrashedAt:     time.Now().UTC(),
			Building:      b,
			Agents:        agents,
			Conversations: convs,
		}
		snapshot, err := json.Marshal(trashed)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO trash (building_id, trashed_at, snapshot) VALUES (?, ?, ?)`,
			id, trashed.TrashedAt, string(snapshot),
		); err != nil {
			return fmt.Errorf("insert trash: %w", err)
		}
		return deleteBuilding(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return trashed, nil
}

func (s *SQLiteStore) GetTrash(ctx context.Context, buildingID string) (*models.TrashedBuilding, error) {
	return getTrash(ctx, s.db, buildingID)
}

func getTrash(ctx context.Context, q querier, buildingID string) (*models.TrashedBuilding, error) {
	var snapshot string
	err := q.QueryRowContext(ctx, `SELECT snapshot FROM trash WHERE building_id = ?`, buildingID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trashed building %s: %w", buildingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trash: %w", err)
	}
	t := &models.TrashedBuilding{}
	if err := json.Unmarshal([]byte(snapshot), t); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return t, nil
}

// ListTrash returns trashed buildings, most recently trashed first.
func (s *SQLiteStore) ListTrash(ctx context.Context) ([]*models.TrashedBuilding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM trash`)
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	defer rows.Close()

	items := []*models.TrashedBuilding{}
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan trash: %w", err)
		}
		t := &models.TrashedBuilding{}
		if err := json.Unmarshal([]byte(snapshot), t); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].TrashedAt.After(items[j].TrashedAt)
	})
	return items, nil
}

// RestoreBuilding re-creates a trashed building with the same agents, agent
// order and conversation history, then drops the trash entry.
func (s *SQLiteStore) RestoreBuilding(ctx context.Context, buildingID string) (*models.Building, error) {
	var restored *models.Building
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTrash(ctx, tx, buildingID)
		if err != nil {
			return err
		}
		if t.Building == nil {
			return fmt.Errorf("trashed building %s: empty snapshot", buildingID)
		}
		if err := insertBuilding(ctx, tx, t.Building); err != nil {
			return err
		}
		for _, a := range t.Agents {
			if err := insertAgent(ctx, tx, a); err != nil {
				return err
			}
			for _, e := range t.Conversations[a.ID] {
				if err := appendConversation(ctx, tx, a.ID, e); err != nil {
					return err
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM trash WHERE building_id = ?`, buildingID); err != nil {
			return fmt.Errorf("delete trash: %w", err)
		}
		restored, err = getBuilding(ctx, tx, buildingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

func (s *SQLiteStore) PurgeTrash(ctx context.Context, buildingID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trash WHERE building_id = ?`, buildingID)
	if err != nil {
		return fmt.Errorf("purge trash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trashed building %s: %w", buildingID, ErrNotFound)
	}
	return nil
}

// PurgeExpiredTrash deletes every entry trashed before cutoff.
func (s *SQLiteStore) PurgeExpiredTrash(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT building_id, trashed_at FROM trash`)
	if err != nil {
		return 0, fmt.Errorf("list trash: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		var trashedAt time.Time
		if err := rows.Scan(&id, &trashedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan trash: %w", err)
		}
		if trashedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var purged int64
	for _, id := range expired {
		res, err := s.db.ExecContext(ctx, `DELETE FROM trash WHERE building_id = ?`, id)
		if err != nil {
			return purged, fmt.Errorf("purge trash %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		purged += n
	}
	return purged, nil
}
