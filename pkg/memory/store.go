package memory

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// metadata key marking an episode as folded into the fact sheet by a
// reflection cycle.
const metaConsolidated = "consolidated"

// DualStore is the persistence layer: a SQLite fact sheet (semantic
// memory, at most one live fact per topic, monotonically versioned) plus
// an episodic store whose canonical rows live in the same SQLite file and
// whose embeddings live in a chromem-go index.
//
// All mutations serialize on one mutex so a reflection write phase and a
// concurrent ProcessMessage cannot interleave partial updates. Reads go
// straight to SQLite, which gives each its own consistent view.
type DualStore struct {
	mu       sync.Mutex
	db       *sql.DB
	episodic *episodicIndex

	// episodicGen counts episodic mutations. The fact sheet has its own
	// revision; this gives episodic appends and deletes a freshness signal
	// too, so grounding caches can key on both.
	episodicGen atomic.Int64
}

func OpenDualStore(dataDir string, embedder Embedder) (*DualStore, error) {
	db, err := openFactDB(filepath.Join(dataDir, "factsheet.db"))
	if err != nil {
		return nil, persistErr("open fact sheet", err)
	}
	idx, err := openEpisodicIndex(dataDir, embedder)
	if err != nil {
		_ = db.Close()
		return nil, persistErr("open episodic store", err)
	}
	return &DualStore{db: db, episodic: idx}, nil
}

func (s *DualStore) Close() error {
	if err := s.db.Close(); err != nil {
		return persistErr("close store", err)
	}
	return nil
}

// WriteFact upserts one fact by normalized topic and bumps the sheet
// revision. Returns the new revision.
func (s *DualStore) WriteFact(ctx context.Context, f Fact) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistErr("write fact", err)
	}
	defer func() { _ = tx.Rollback() }()

	rev, err := upsertFactTx(ctx, tx, f)
	if err != nil {
		return 0, persistErr("write fact", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, persistErr("write fact", err)
	}
	return rev, nil
}

// MarkFactsStale flags the given topics without rewriting their content.
// A no-op set of topics does not bump the revision.
func (s *DualStore) MarkFactsStale(ctx context.Context, topics []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistErr("mark facts stale", err)
	}
	defer func() { _ = tx.Rollback() }()

	changed := int64(0)
	for _, topic := range topics {
		res, err := tx.ExecContext(ctx,
			`UPDATE facts SET stale = 1, updated_at_ms = ? WHERE topic = ? AND stale = 0`,
			nowMS(), NormalizeTopic(topic))
		if err != nil {
			return 0, persistErr("mark facts stale", err)
		}
		n, _ := res.RowsAffected()
		changed += n
	}

	var rev int64
	if changed > 0 {
		if rev, err = bumpRevisionTx(ctx, tx); err != nil {
			return 0, persistErr("mark facts stale", err)
		}
	} else {
		if err := tx.QueryRowContext(ctx, `SELECT revision FROM fact_sheet_meta WHERE id = 1`).Scan(&rev); err != nil {
			return 0, persistErr("mark facts stale", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, persistErr("mark facts stale", err)
	}
	return rev, nil
}

// Snapshot returns all facts and the current revision from a single
// transaction, ordered by normalized topic.
func (s *DualStore) Snapshot(ctx context.Context) (FactSheetSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return FactSheetSnapshot{}, persistErr("snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snap FactSheetSnapshot
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM fact_sheet_meta WHERE id = 1`).Scan(&snap.Revision); err != nil {
		return FactSheetSnapshot{}, persistErr("snapshot", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+factColumns+` FROM facts ORDER BY topic`)
	if err != nil {
		return FactSheetSnapshot{}, persistErr("snapshot", err)
	}
	defer rows.Close()

	snap.Facts, err = scanFacts(rows)
	if err != nil {
		return FactSheetSnapshot{}, persistErr("snapshot", err)
	}
	return snap, nil
}

// Revision returns the current fact sheet revision.
func (s *DualStore) Revision(ctx context.Context) (int64, error) {
	var rev int64
	if err := s.db.QueryRowContext(ctx, `SELECT revision FROM fact_sheet_meta WHERE id = 1`).Scan(&rev); err != nil {
		return 0, persistErr("read revision", err)
	}
	return rev, nil
}

// SearchFacts runs an FTS5 keyword match over topics and contents.
func (s *DualStore) SearchFacts(ctx context.Context, query string, limit int) ([]Fact, error) {
	match := buildFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+factColumns+`
FROM facts
WHERE topic IN (SELECT topic FROM facts_fts WHERE facts_fts MATCH ? ORDER BY bm25(facts_fts) LIMIT ?)
ORDER BY updated_at_ms DESC`, match, limit)
	if err != nil {
		return nil, persistErr("search facts", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, persistErr("search facts", err)
	}
	return facts, nil
}

// AppendEpisodic stores one episodic record in the canonical table and the
// vector index. A record arriving without an ID gets one; re-appending an
// existing ID is idempotent.
func (s *DualStore) AppendEpisodic(ctx context.Context, rec EpisodicRecord) (EpisodicRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO episodes(id, content, importance, metadata_json, created_at_ms) VALUES(?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, rec.Importance, encodeMap(rec.Metadata), rec.Timestamp.UnixMilli())
	if err != nil {
		return EpisodicRecord{}, persistErr("append episode", err)
	}
	if err := s.episodic.upsert(ctx, rec); err != nil {
		return EpisodicRecord{}, persistErr("append episode", err)
	}
	s.episodicGen.Add(1)
	return rec, nil
}

// EpisodicGeneration reports the episodic mutation counter.
func (s *DualStore) EpisodicGeneration() int64 {
	return s.episodicGen.Load()
}

// QueryEpisodic returns the k most similar episodes to the embedding.
func (s *DualStore) QueryEpisodic(ctx context.Context, embedding []float32, k int) ([]ScoredEpisode, error) {
	episodes, err := s.episodic.query(ctx, embedding, k)
	if err != nil {
		return nil, persistErr("query episodes", err)
	}
	return episodes, nil
}

// ListEpisodic scans the canonical episode rows created strictly before the
// cutoff, oldest first. Embeddings are not loaded; callers that need them
// re-embed the content.
func (s *DualStore) ListEpisodic(ctx context.Context, before time.Time, limit int) ([]EpisodicRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, importance, metadata_json, created_at_ms FROM episodes WHERE created_at_ms < ? ORDER BY created_at_ms ASC LIMIT ?`,
		before.UnixMilli(), limit)
	if err != nil {
		return nil, persistErr("list episodes", err)
	}
	defer rows.Close()

	out := []EpisodicRecord{}
	for rows.Next() {
		var rec EpisodicRecord
		var metaRaw string
		var createdMS int64
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Importance, &metaRaw, &createdMS); err != nil {
			return nil, persistErr("list episodes", err)
		}
		rec.Metadata = decodeMap(metaRaw)
		rec.Timestamp = time.UnixMilli(createdMS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list episodes", err)
	}
	return out, nil
}

// MarkEpisodesConsolidated tags episodes as absorbed into the fact sheet.
// Consolidated episodes survive until the retention horizon passes them.
func (s *DualStore) MarkEpisodesConsolidated(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		var metaRaw string
		err := s.db.QueryRowContext(ctx, `SELECT metadata_json FROM episodes WHERE id = ?`, id).Scan(&metaRaw)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return persistErr("mark episodes consolidated", err)
		}
		meta := decodeMap(metaRaw)
		meta[metaConsolidated] = "true"
		if _, err := s.db.ExecContext(ctx, `UPDATE episodes SET metadata_json = ? WHERE id = ?`, encodeMap(meta), id); err != nil {
			return persistErr("mark episodes consolidated", err)
		}
	}
	return nil
}

// DeleteEpisodic removes episodes from both the canonical table and the
// vector index. Returns how many canonical rows were removed.
func (s *DualStore) DeleteEpisodic(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	deleted := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, id)
		if err != nil {
			return deleted, persistErr("delete episodes", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted++
		}
	}
	if err := s.episodic.delete(ctx, ids...); err != nil {
		return deleted, persistErr("delete episodes", err)
	}
	s.episodicGen.Add(1)
	return deleted, nil
}

// EpisodeCount reports the canonical episode row count.
func (s *DualStore) EpisodeCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes`).Scan(&n); err != nil {
		return 0, persistErr("count episodes", err)
	}
	return n, nil
}
