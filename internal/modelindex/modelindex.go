// Package modelindex implements a SQLite FTS5 index over model records: a
// derived view that a full rebuild must be able to reproduce from metadata
// files alone.
package modelindex

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pumas-run/pumas/internal/perrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS models (
	id            TEXT PRIMARY KEY,
	path          TEXT NOT NULL,
	cleaned_name  TEXT NOT NULL DEFAULT '',
	official_name TEXT NOT NULL DEFAULT '',
	model_type    TEXT NOT NULL DEFAULT '',
	tags_json     TEXT NOT NULL DEFAULT '[]',
	sha256        TEXT NOT NULL DEFAULT '',
	blake3        TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	updated_at    INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS models_fts USING fts5(
	cleaned_name, official_name, tags, content='models', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS models_ai AFTER INSERT ON models BEGIN
	INSERT INTO models_fts(rowid, cleaned_name, official_name, tags)
	VALUES (new.rowid, new.cleaned_name, new.official_name, new.tags_json);
END;

CREATE TRIGGER IF NOT EXISTS models_ad AFTER DELETE ON models BEGIN
	INSERT INTO models_fts(models_fts, rowid, cleaned_name, official_name, tags)
	VALUES ('delete', old.rowid, old.cleaned_name, old.official_name, old.tags_json);
END;

CREATE TRIGGER IF NOT EXISTS models_au AFTER UPDATE ON models BEGIN
	INSERT INTO models_fts(models_fts, rowid, cleaned_name, official_name, tags)
	VALUES ('delete', old.rowid, old.cleaned_name, old.official_name, old.tags_json);
	INSERT INTO models_fts(rowid, cleaned_name, official_name, tags)
	VALUES (new.rowid, new.cleaned_name, new.official_name, new.tags_json);
END;

CREATE TABLE IF NOT EXISTS link_exclusions (
	app_id   TEXT NOT NULL,
	model_id TEXT NOT NULL,
	PRIMARY KEY (app_id, model_id)
);
`

// Record is the row form of a model in the index.
type Record struct {
	ID           string
	Path         string
	CleanedName  string
	OfficialName string
	ModelType    string
	Tags         []string
	SHA256       string
	BLAKE3       string
	MetadataJSON string
	UpdatedAt    int64
}

// Index is the SQLite FTS5-backed model index.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the model index at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, perrors.WrapDB("modelindex.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, perrors.WrapDB("modelindex.Open schema", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Upsert inserts or replaces a model record.
func (idx *Index) Upsert(r Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tagsJSON, err := json.Marshal(r.Tags)
	if err != nil {
		return perrors.WrapDB("modelindex.Upsert encode tags", err)
	}

	_, err = idx.db.Exec(`
		INSERT INTO models (id, path, cleaned_name, official_name, model_type, tags_json, sha256, blake3, metadata_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			path = excluded.path,
			cleaned_name = excluded.cleaned_name,
			official_name = excluded.official_name,
			model_type = excluded.model_type,
			tags_json = excluded.tags_json,
			sha256 = excluded.sha256,
			blake3 = excluded.blake3,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`, r.ID, r.Path, r.CleanedName, r.OfficialName, r.ModelType, string(tagsJSON), r.SHA256, r.BLAKE3, r.MetadataJSON, r.UpdatedAt)
	if err != nil {
		return perrors.WrapDB("modelindex.Upsert", err)
	}
	return nil
}

// Get returns the record with the given id, or nil if absent.
func (idx *Index) Get(id string) (*Record, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.getLocked(id)
}

func (idx *Index) getLocked(id string) (*Record, error) {
	var r Record
	var tagsJSON string
	err := idx.db.QueryRow(`
		SELECT id, path, cleaned_name, official_name, model_type, tags_json, sha256, blake3, metadata_json, updated_at
		FROM models WHERE id = ?
	`, id).Scan(&r.ID, &r.Path, &r.CleanedName, &r.OfficialName, &r.ModelType, &tagsJSON, &r.SHA256, &r.BLAKE3, &r.MetadataJSON, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, perrors.WrapDB("modelindex.Get", err)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &r.Tags)
	return &r, nil
}

// Delete removes the record with the given id.
func (idx *Index) Delete(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec(`DELETE FROM models WHERE id = ?`, id)
	return perrors.WrapDB("modelindex.Delete", err)
}

// Clear removes every record from the index.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec(`DELETE FROM models`)
	return perrors.WrapDB("modelindex.Clear", err)
}

// SearchOptions filters a Search call.
type SearchOptions struct {
	Types  []string
	Tags   []string
	Limit  int
	Offset int
}

// SearchResult is the paginated outcome of Search.
type SearchResult struct {
	Models     []Record
	TotalCount int
}

// escapeFTSQuery quotes each term so user-supplied punctuation cannot
// break the FTS5 MATCH expression syntax.
func escapeFTSQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		quoted = append(quoted, fmt.Sprintf(`"%s"`, t))
	}
	return strings.Join(quoted, " ")
}

// Search finds models matching query (FTS5 MATCH when non-empty,
// otherwise every row) filtered by type and tags, then paginates.
func (idx *Index) Search(query string, opts SearchOptions) (SearchResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var whereClauses []string
	var args []any

	baseSelect := "SELECT m.id, m.path, m.cleaned_name, m.official_name, m.model_type, m.tags_json, m.sha256, m.blake3, m.metadata_json, m.updated_at FROM models m"
	countSelect := "SELECT COUNT(*) FROM models m"
	order := "ORDER BY m.updated_at DESC, m.id"

	if strings.TrimSpace(query) != "" {
		baseSelect = `
			SELECT m.id, m.path, m.cleaned_name, m.official_name, m.model_type, m.tags_json, m.sha256, m.blake3, m.metadata_json, m.updated_at
			FROM models_fts f JOIN models m ON m.rowid = f.rowid
		`
		countSelect = `SELECT COUNT(*) FROM models_fts f JOIN models m ON m.rowid = f.rowid`
		whereClauses = append(whereClauses, "models_fts MATCH ?")
		args = append(args, escapeFTSQuery(query))
		order = "ORDER BY rank"
	}

	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		whereClauses = append(whereClauses, fmt.Sprintf("m.model_type IN (%s)", strings.Join(placeholders, ", ")))
	}

	for _, tag := range opts.Tags {
		whereClauses = append(whereClauses, "m.tags_json LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	countArgs := append([]any{}, args...)
	if err := idx.db.QueryRow(countSelect+" "+whereSQL, countArgs...).Scan(&total); err != nil {
		return SearchResult{}, perrors.WrapDB("modelindex.Search count", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	queryArgs := append(append([]any{}, args...), limit, opts.Offset)
	rows, err := idx.db.Query(fmt.Sprintf("%s %s %s LIMIT ? OFFSET ?", baseSelect, whereSQL, order), queryArgs...)
	if err != nil {
		return SearchResult{}, perrors.WrapDB("modelindex.Search", err)
	}
	defer rows.Close()

	var result SearchResult
	result.TotalCount = total
	for rows.Next() {
		var r Record
		var tagsJSON string
		if err := rows.Scan(&r.ID, &r.Path, &r.CleanedName, &r.OfficialName, &r.ModelType, &tagsJSON, &r.SHA256, &r.BLAKE3, &r.MetadataJSON, &r.UpdatedAt); err != nil {
			return SearchResult{}, perrors.WrapDB("modelindex.Search scan", err)
		}
		_ = json.Unmarshal([]byte(tagsJSON), &r.Tags)
		result.Models = append(result.Models, r)
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, perrors.WrapDB("modelindex.Search rows", err)
	}
	return result, nil
}

// SetLinkExclusion marks (or unmarks) modelID as excluded from mapping for
// appID.
func (idx *Index) SetLinkExclusion(appID, modelID string, excluded bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if excluded {
		_, err := idx.db.Exec(`INSERT OR IGNORE INTO link_exclusions (app_id, model_id) VALUES (?, ?)`, appID, modelID)
		return perrors.WrapDB("modelindex.SetLinkExclusion", err)
	}
	_, err := idx.db.Exec(`DELETE FROM link_exclusions WHERE app_id = ? AND model_id = ?`, appID, modelID)
	return perrors.WrapDB("modelindex.SetLinkExclusion", err)
}

// GetLinkExclusions returns every model_id excluded for appID.
func (idx *Index) GetLinkExclusions(appID string) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`SELECT model_id FROM link_exclusions WHERE app_id = ?`, appID)
	if err != nil {
		return nil, perrors.WrapDB("modelindex.GetLinkExclusions", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var modelID string
		if err := rows.Scan(&modelID); err != nil {
			return nil, perrors.WrapDB("modelindex.GetLinkExclusions scan", err)
		}
		out = append(out, modelID)
	}
	return out, perrors.WrapDB("modelindex.GetLinkExclusions rows", rows.Err())
}

// IsLinkExcluded reports whether modelID is excluded from mapping for appID.
func (idx *Index) IsLinkExcluded(appID, modelID string) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var count int
	err := idx.db.QueryRow(`SELECT COUNT(*) FROM link_exclusions WHERE app_id = ? AND model_id = ?`, appID, modelID).Scan(&count)
	if err != nil {
		return false, perrors.WrapDB("modelindex.IsLinkExcluded", err)
	}
	return count > 0, nil
}

// CheckpointWAL forces a WAL checkpoint, called after bulk rebuilds.
func (idx *Index) CheckpointWAL() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return perrors.WrapDB("modelindex.CheckpointWAL", err)
}
