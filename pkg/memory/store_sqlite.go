package memory

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

	_ "modernc.org/sqlite"
)

func openFactDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initFactSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initFactSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS facts (
			topic TEXT PRIMARY KEY,
			display_topic TEXT NOT NULL,
			content TEXT NOT NULL,
			entities_json TEXT NOT NULL DEFAULT '[]',
			category TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			source_turn INTEGER NOT NULL DEFAULT 0,
			stale INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS fact_sheet_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			revision INTEGER NOT NULL DEFAULT 0
		);`,
		`INSERT OR IGNORE INTO fact_sheet_meta(id, revision) VALUES(1, 0);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS episodes_created_idx ON episodes(created_at_ms);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(topic UNINDEXED, display_topic, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS facts_ai AFTER INSERT ON facts BEGIN
			INSERT INTO facts_fts(topic, display_topic, content) VALUES (new.topic, new.display_topic, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS facts_au AFTER UPDATE ON facts BEGIN
			DELETE FROM facts_fts WHERE topic = old.topic;
			INSERT INTO facts_fts(topic, display_topic, content) VALUES (new.topic, new.display_topic, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS facts_ad AFTER DELETE ON facts BEGIN
			DELETE FROM facts_fts WHERE topic = old.topic;
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(stmt string) string {
	line := strings.TrimSpace(stmt)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func upsertFactTx(ctx context.Context, tx *sql.Tx, f Fact) (int64, error) {
	key := NormalizeTopic(f.Topic)
	now := nowMS()

	var createdMS int64
	err := tx.QueryRowContext(ctx, `SELECT created_at_ms FROM facts WHERE topic = ?`, key).Scan(&createdMS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		createdMS = now
		if !f.CreatedAt.IsZero() {
			createdMS = f.CreatedAt.UnixMilli()
		}
	case err != nil:
		return 0, fmt.Errorf("read fact created_at: %w", err)
	}

	updatedMS := now
	if !f.UpdatedAt.IsZero() {
		updatedMS = f.UpdatedAt.UnixMilli()
	}

	stale := 0
	if f.Stale {
		stale = 1
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO facts(topic, display_topic, content, entities_json, category, confidence, created_at_ms, updated_at_ms, source_turn, stale, metadata_json)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(topic) DO UPDATE SET
	display_topic = excluded.display_topic,
	content = excluded.content,
	entities_json = excluded.entities_json,
	category = excluded.category,
	confidence = excluded.confidence,
	updated_at_ms = excluded.updated_at_ms,
	source_turn = excluded.source_turn,
	stale = excluded.stale,
	metadata_json = excluded.metadata_json`,
		key, strings.TrimSpace(f.Topic), f.Content, encodeStrings(f.Entities), string(f.Category),
		f.Confidence, createdMS, updatedMS, f.SourceTurn, stale, encodeMap(f.Metadata)); err != nil {
		return 0, fmt.Errorf("upsert fact: %w", err)
	}

	return bumpRevisionTx(ctx, tx)
}

func bumpRevisionTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE fact_sheet_meta SET revision = revision + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	var rev int64
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM fact_sheet_meta WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	out := []Fact{}
	for rows.Next() {
		var f Fact
		var entitiesRaw, metaRaw, category string
		var createdMS, updatedMS int64
		var stale int
		if err := rows.Scan(&f.Topic, &f.Content, &entitiesRaw, &category, &f.Confidence, &createdMS, &updatedMS, &f.SourceTurn, &stale, &metaRaw); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Entities = decodeStrings(entitiesRaw)
		f.Category = FactCategory(category)
		f.CreatedAt = time.UnixMilli(createdMS)
		f.UpdatedAt = time.UnixMilli(updatedMS)
		f.Stale = stale != 0
		f.Metadata = decodeMap(metaRaw)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return out, nil
}

const factColumns = `display_topic, content, entities_json, category, confidence, created_at_ms, updated_at_ms, source_turn, stale, metadata_json`

// buildFTSQuery converts free text into an OR-of-quoted-tokens FTS5 match
// expression.
func buildFTSQuery(query string) string {
	raw := tokenize(query)
	if len(raw) == 0 {
		return ""
	}
	seen := map[string]struct{}{}
	quoted := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.TrimSpace(strings.ToLower(tok))
		if len(tok) < 2 {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}
