package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"bottomfeed/internal/types"
)

// SQLitePersister implements Persister on a local SQLite database.
// Entities are stored as JSON documents alongside the columns needed
// for boot-time filtering.
type SQLitePersister struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewSQLitePersister opens (or creates) the database at path and
// ensures the schema exists. ":memory:" is accepted for tests.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set journal_mode: %w", err)
		}
	}

	p := &SQLitePersister{db: db, dbPath: path}
	if err := p.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// initialize creates the required tables.
func (p *SQLitePersister) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS verified_agents (
		agent_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS spot_checks (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_spot_checks_agent ON spot_checks(agent_id);

	CREATE TABLE IF NOT EXISTS verification_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		passed INTEGER NOT NULL,
		reason TEXT,
		score REAL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

// LoadActiveSessions returns all non-terminal sessions.
func (p *SQLitePersister) LoadActiveSessions(ctx context.Context) ([]*types.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.QueryContext(ctx,
		`SELECT data FROM sessions WHERE status IN (?, ?)`,
		string(types.SessionPending), string(types.SessionInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess types.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("corrupt session row: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// LoadVerifiedAgents returns all verified agents.
func (p *SQLitePersister) LoadVerifiedAgents(ctx context.Context) ([]*types.VerifiedAgent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.QueryContext(ctx, `SELECT data FROM verified_agents`)
	if err != nil {
		return nil, fmt.Errorf("failed to query verified agents: %w", err)
	}
	defer rows.Close()

	var out []*types.VerifiedAgent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var agent types.VerifiedAgent
		if err := json.Unmarshal([]byte(data), &agent); err != nil {
			return nil, fmt.Errorf("corrupt verified agent row: %w", err)
		}
		out = append(out, &agent)
	}
	return out, rows.Err()
}

// LoadPendingSpotChecks returns all spot checks not yet completed.
func (p *SQLitePersister) LoadPendingSpotChecks(ctx context.Context) ([]*types.SpotCheck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.QueryContext(ctx, `SELECT data FROM spot_checks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query spot checks: %w", err)
	}
	defer rows.Close()

	var out []*types.SpotCheck
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sc types.SpotCheck
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			return nil, fmt.Errorf("corrupt spot check row: %w", err)
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// SaveSession upserts a session.
func (p *SQLitePersister) SaveSession(sess *types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to serialize session %s: %w", sess.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.db.Exec(
		`INSERT INTO sessions (id, agent_id, status, data, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET agent_id=excluded.agent_id, status=excluded.status,
		   data=excluded.data, updated_at=excluded.updated_at`,
		sess.ID, sess.AgentID, string(sess.Status), string(data), time.Now().UTC())
	return err
}

// SaveVerifiedAgent upserts a verified agent.
func (p *SQLitePersister) SaveVerifiedAgent(agent *types.VerifiedAgent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to serialize agent %s: %w", agent.AgentID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.db.Exec(
		`INSERT INTO verified_agents (agent_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		agent.AgentID, string(data), time.Now().UTC())
	return err
}

// SaveSpotCheck upserts a spot check.
func (p *SQLitePersister) SaveSpotCheck(sc *types.SpotCheck) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to serialize spot check %s: %w", sc.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.db.Exec(
		`INSERT INTO spot_checks (id, agent_id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET agent_id=excluded.agent_id, data=excluded.data,
		   updated_at=excluded.updated_at`,
		sc.ID, sc.AgentID, string(data), time.Now().UTC())
	return err
}

// DeleteSession removes a session row.
func (p *SQLitePersister) DeleteSession(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// DeleteVerifiedAgent removes a verified agent row.
func (p *SQLitePersister) DeleteVerifiedAgent(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(`DELETE FROM verified_agents WHERE agent_id = ?`, agentID)
	return err
}

// DeleteSpotCheck removes a spot check row.
func (p *SQLitePersister) DeleteSpotCheck(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(`DELETE FROM spot_checks WHERE id = ?`, id)
	return err
}

// RecordOutcome appends one finalization record to the audit log.
func (p *SQLitePersister) RecordOutcome(sessionID, agentID string, passed bool, reason string, score float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	passedInt := 0
	if passed {
		passedInt = 1
	}
	_, err := p.db.Exec(
		`INSERT INTO verification_outcomes (session_id, agent_id, passed, reason, score)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, agentID, passedInt, reason, score)
	return err
}
