package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/andywolf/walletguard/internal/llm"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	summarized_desc TEXT NOT NULL,
	full_desc TEXT NOT NULL,
	parameters TEXT NOT NULL,
	outcome TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategies_agent ON strategies(agent_id, created_at);

CREATE TABLE IF NOT EXISTS wallet_snapshots (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	score REAL NOT NULL,
	assets TEXT NOT NULL,
	captured_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	short_desc TEXT NOT NULL,
	long_desc TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_source ON notifications(source, created_at);

CREATE TABLE IF NOT EXISTS agent_sessions (
	session_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	cycle_count INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps writes serialized and :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FetchLatestStrategy returns the newest strategy of agentID, or nil.
func (s *SQLiteStore) FetchLatestStrategy(ctx context.Context, agentID string) (*StrategyRecord, error) {
	records, err := s.queryStrategies(ctx, agentID, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// FetchAllStrategies returns every strategy of agentID, newest first.
func (s *SQLiteStore) FetchAllStrategies(ctx context.Context, agentID string) ([]StrategyRecord, error) {
	return s.queryStrategies(ctx, agentID, 0)
}

func (s *SQLiteStore) queryStrategies(ctx context.Context, agentID string, limit int) ([]StrategyRecord, error) {
	query := `SELECT id, agent_id, summarized_desc, full_desc, parameters, outcome, created_at
		FROM strategies WHERE agent_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var records []StrategyRecord
	for rows.Next() {
		var rec StrategyRecord
		var params string
		var outcome string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.SummarizedDesc, &rec.FullDesc, &params, &outcome, &created); err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &rec.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of strategy %s: %w", rec.ID, err)
		}
		rec.Outcome = Outcome(outcome)
		rec.CreatedAt = time.Unix(0, created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertStrategyAndResult stores a new strategy record.
func (s *SQLiteStore) InsertStrategyAndResult(ctx context.Context, agentID string, in StrategyInsert) (StrategyRecord, error) {
	if in.Outcome != OutcomeSuccess && in.Outcome != OutcomeFailed {
		return StrategyRecord{}, fmt.Errorf("invalid outcome %q", in.Outcome)
	}
	params := in.Parameters
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return StrategyRecord{}, fmt.Errorf("failed to encode parameters: %w", err)
	}

	rec := StrategyRecord{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		SummarizedDesc: in.SummarizedDesc,
		FullDesc:       in.FullDesc,
		Parameters:     params,
		Outcome:        in.Outcome,
		CreatedAt:      s.now(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO strategies
		(id, agent_id, summarized_desc, full_desc, parameters, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.SummarizedDesc, rec.FullDesc, string(encoded), string(rec.Outcome), rec.CreatedAt.UnixNano())
	if err != nil {
		return StrategyRecord{}, fmt.Errorf("failed to insert strategy: %w", err)
	}
	return rec, nil
}

// InsertSnapshot stores a metric snapshot.
func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot id is required")
	}
	captured := snap.CapturedAt
	if captured.IsZero() {
		captured = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO wallet_snapshots (id, agent_id, score, assets, captured_at)
		VALUES (?, ?, ?, ?, ?)`, snap.ID, snap.AgentID, snap.Score, snap.Assets, captured.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// Snapshots returns the snapshots of agentID, oldest first.
func (s *SQLiteStore) Snapshots(ctx context.Context, agentID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, score, assets, captured_at
		FROM wallet_snapshots WHERE agent_id = ? ORDER BY captured_at, rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var captured int64
		if err := rows.Scan(&snap.ID, &snap.AgentID, &snap.Score, &snap.Assets, &captured); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.CapturedAt = time.Unix(0, captured)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// InsertChatHistory stores a session's history in one transaction.
func (s *SQLiteStore) InsertChatHistory(ctx context.Context, sessionID string, history llm.ChatHistory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixNano()
	for i, m := range history {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chat_history (session_id, position, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`, sessionID, i, string(m.Role), m.Content, now); err != nil {
			return fmt.Errorf("failed to insert chat message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat history: %w", err)
	}
	return nil
}

// ChatHistory returns every stored message of sessionID in insertion order.
func (s *SQLiteStore) ChatHistory(ctx context.Context, sessionID string) (llm.ChatHistory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, content FROM chat_history
		WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer rows.Close()

	var h llm.ChatHistory
	for rows.Next() {
		var m llm.Message
		var role string
		if err := rows.Scan(&role, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		m.Role = llm.Role(role)
		h = append(h, m)
	}
	return h, rows.Err()
}

// InsertNotification stores a notification.
func (s *SQLiteStore) InsertNotification(ctx context.Context, n Notification) error {
	if n.Source == "" {
		return errors.New("notification source is required")
	}
	created := n.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications (source, short_desc, long_desc, created_at)
		VALUES (?, ?, ?, ?)`, n.Source, n.Short, n.Long, created.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// FetchLatestNotifications renders the newest notification of each source,
// newest first and bounded by limit, one per line. It returns "" when there
// are none.
func (s *SQLiteStore) FetchLatestNotifications(ctx context.Context, sources []string, limit int) (string, error) {
	if len(sources) == 0 || limit <= 0 {
		return "", nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")
	query := fmt.Sprintf(`SELECT n.source, n.short_desc, n.long_desc
		FROM notifications n
		JOIN (SELECT source, MAX(id) AS id FROM notifications WHERE source IN (%s) GROUP BY source) latest
		ON n.id = latest.id
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT ?`, placeholders)

	args := make([]any, 0, len(sources)+1)
	for _, src := range sources {
		args = append(args, src)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var source, short, long string
		if err := rows.Scan(&source, &short, &long); err != nil {
			return "", fmt.Errorf("failed to scan notification: %w", err)
		}
		line := fmt.Sprintf("[%s] %s", source, short)
		if long != "" {
			line += ": " + long
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// RecentNotifications returns notifications created at or after since,
// newest first.
func (s *SQLiteStore) RecentNotifications(ctx context.Context, since time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, source, short_desc, long_desc, created_at
		FROM notifications WHERE created_at >= ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var created int64
		if err := rows.Scan(&n.ID, &n.Source, &n.Short, &n.Long, &created); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.CreatedAt = time.Unix(0, created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// AddCycleCount increments the cycle counter of a session.
func (s *SQLiteStore) AddCycleCount(ctx context.Context, sessionID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_sessions (session_id, agent_id, cycle_count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(session_id) DO UPDATE SET cycle_count = cycle_count + 1, updated_at = excluded.updated_at`,
		sessionID, agentID, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to update cycle count: %w", err)
	}
	return nil
}

// CycleCount returns the number of cycles recorded for a session.
func (s *SQLiteStore) CycleCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT cycle_count FROM agent_sessions WHERE session_id = ?`, sessionID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cycle count: %w", err)
	}
	return n, nil
}

var _ Store = (*SQLiteStore)(nil)
