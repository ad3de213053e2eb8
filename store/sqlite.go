package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/martinemde/memagent/unifiedllm"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	config TEXT NOT NULL,
	message_ids TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	role TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, seq);
CREATE TABLE IF NOT EXISTS blocks (
	agent_id TEXT NOT NULL,
	label TEXT NOT NULL,
	value TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	char_limit INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (agent_id, label)
);
`

// DB wraps *sql.DB and implements Store on SQLite.
type DB struct {
	*sql.DB
	now func() time.Time
}

// Open opens the SQLite database at path and applies the schema. The file is
// created if missing; ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection without touching the schema.
func New(db *sql.DB) *DB {
	return &DB{DB: db, now: time.Now}
}

func uuidString() string { return uuid.NewString() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Persist implements MessageStore. All messages are written in one
// transaction.
func (db *DB) Persist(ctx context.Context, msgs []unifiedllm.Message) ([]unifiedllm.Message, error) {
	out, err := prepareMessages(msgs, db.now())
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, m := range out {
		body, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encoding message %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, agent_id, role, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.AgentID, string(m.Role), string(body), formatTime(m.CreatedAt),
		); err != nil {
			return nil, fmt.Errorf("inserting message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByIDs implements MessageStore. A missing id is an ErrNotFound error.
func (db *DB) GetByIDs(ctx context.Context, ids []string) ([]unifiedllm.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, body FROM messages WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := make(map[string]unifiedllm.Message, len(ids))
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var m unifiedllm.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decoding message %s: %w", id, err)
		}
		byID[id] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderMessages(ids, byID)
}

func orderMessages(ids []string, byID map[string]unifiedllm.Message) ([]unifiedllm.Message, error) {
	out := make([]unifiedllm.Message, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		out = append(out, m)
	}
	return out, nil
}

// Count implements MessageStore.
func (db *DB) Count(ctx context.Context, agentID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE agent_id = ?`, agentID).Scan(&n)
	return n, err
}

// Update implements MessageStore.
func (db *DB) Update(ctx context.Context, msg unifiedllm.Message) (unifiedllm.Message, error) {
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	res, err := db.ExecContext(ctx, `UPDATE messages SET role = ?, body = ? WHERE id = ?`, string(msg.Role), string(body), msg.ID)
	if err != nil {
		return msg, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return msg, fmt.Errorf("message %s: %w", msg.ID, ErrNotFound)
	}
	return msg, nil
}

// CreateAgent implements AgentStore. An empty ID is assigned.
func (db *DB) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = newAgentID()
	}
	now := db.now()
	agent.CreatedAt, agent.UpdatedAt = now, now
	cfg, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	ids, err := json.Marshal(nonNil(agent.MessageIDs))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO agents (id, name, config, message_ids, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, string(cfg), string(ids), formatTime(now), formatTime(now))
	return err
}

// GetAgent implements AgentStore.
func (db *DB) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := db.QueryRowContext(ctx, `SELECT config, message_ids, updated_at FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAgents implements AgentStore, oldest first.
func (db *DB) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := db.QueryContext(ctx, `SELECT config, message_ids, updated_at FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListByTags implements AgentStore.
func (db *DB) ListByTags(ctx context.Context, matchAll, matchSome []string) ([]Agent, error) {
	all, err := db.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	return filterByTags(all, matchAll, matchSome), nil
}

// SetMessageIDs implements AgentStore.
func (db *DB) SetMessageIDs(ctx context.Context, agentID string, ids []string) error {
	raw, err := json.Marshal(nonNil(ids))
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE agents SET message_ids = ?, updated_at = ? WHERE id = ?`,
		string(raw), formatTime(db.now()), agentID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var cfg, ids, updated string
	if err := row.Scan(&cfg, &ids, &updated); err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal([]byte(cfg), &a); err != nil {
		return nil, fmt.Errorf("decoding agent: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &a.MessageIDs); err != nil {
		return nil, fmt.Errorf("decoding message ids of %s: %w", a.ID, err)
	}
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

// Blocks implements BlockStore, ordered by label.
func (db *DB) Blocks(ctx context.Context, agentID string) ([]Block, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT label, value, description, char_limit, updated_at FROM blocks WHERE agent_id = ? ORDER BY label`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Block
	for rows.Next() {
		b := Block{AgentID: agentID}
		var updated string
		if err := rows.Scan(&b.Label, &b.Value, &b.Description, &b.Limit, &updated); err != nil {
			return nil, err
		}
		b.UpdatedAt = parseTime(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBlock implements BlockStore.
func (db *DB) GetBlock(ctx context.Context, agentID, label string) (Block, error) {
	b := Block{AgentID: agentID, Label: label}
	var updated string
	err := db.QueryRowContext(ctx,
		`SELECT value, description, char_limit, updated_at FROM blocks WHERE agent_id = ? AND label = ?`,
		agentID, label).Scan(&b.Value, &b.Description, &b.Limit, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return b, fmt.Errorf("block %q: %w", label, ErrNotFound)
	}
	b.UpdatedAt = parseTime(updated)
	return b, err
}

// SetBlock implements BlockStore.
func (db *DB) SetBlock(ctx context.Context, block Block) error {
	block, err := checkBlock(block)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO blocks (agent_id, label, value, description, char_limit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, label) DO UPDATE SET
			value = excluded.value,
			description = excluded.description,
			char_limit = excluded.char_limit,
			updated_at = excluded.updated_at`,
		block.AgentID, block.Label, block.Value, block.Description, block.Limit, formatTime(db.now()))
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func filterByTags(agents []Agent, matchAll, matchSome []string) []Agent {
	var out []Agent
	for _, a := range agents {
		if a.HasTags(matchAll, matchSome) {
			out = append(out, a)
		}
	}
	return out
}
