// Package sqlite provides the SQLite implementation of the memory store.
//
// SQLite is a lightweight, file-based database suitable for local deployments.
// Document fields and the embedding vector live in the same row, so every
// write is a single SQL transaction and the document/vector consistency
// invariant holds structurally. Vectors are stored as JSON strings in TEXT
// fields and similarity search uses in-memory cosine calculation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	_ "github.com/mattn/go-sqlite3"

	"github.com/livingmem/livingmem-go/pkg/storage"
)

// schemaVersion is stamped into the database on creation and checked on every
// open. A mismatch means the on-disk layout is from an incompatible release.
const schemaVersion = 1

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	db         *sql.DB
	table      string
	dimensions int
	node       *snowflake.Node
}

// Config contains configuration for opening a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// Table is the name of the table storing memories. Defaults to "memories".
	Table string

	// Dimensions is the embedding vector dimension.
	Dimensions int
}

// NewClient opens (or creates) a SQLite memory store.
//
// Returns storage.ErrCorrupted if the database carries an incompatible
// schema version.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("NewSQLiteClient: dimensions must be positive, got %d", cfg.Dimensions)
	}
	table := cfg.Table
	if table == "" {
		table = "memories"
	}

	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{
		db:         db,
		table:      table,
		dimensions: cfg.Dimensions,
		node:       node,
	}

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables creates the schema and verifies the stamped schema version.
func (c *Client) initTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			doc_id INTEGER PRIMARY KEY,
			content TEXT NOT NULL,
			event_type TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			create_time INTEGER NOT NULL,
			last_access_time INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			session_id TEXT,
			persona_id TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			edited_from INTEGER,
			embedding TEXT NOT NULL
		)
	`, c.table)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	indexQuery := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_status_session ON %s(status, session_id, persona_id)
	`, c.table, c.table)
	if _, err := c.db.ExecContext(ctx, indexQuery); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	var version int
	err := c.db.QueryRowContext(ctx, `SELECT version FROM schema_info LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := c.db.ExecContext(ctx, `INSERT INTO schema_info (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	case err != nil:
		return fmt.Errorf("initTables: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("initTables: schema version %d, want %d: %w", version, schemaVersion, storage.ErrCorrupted)
	}

	return nil
}

// Insert persists a new memory and returns its assigned DocID.
//
// DocIDs come from a snowflake node, so they are strictly increasing in
// insertion order and never reused.
func (c *Client) Insert(ctx context.Context, rec *storage.Record) (int64, error) {
	return c.insertWithEditRef(ctx, c.db, rec, 0)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (c *Client) insertWithEditRef(ctx context.Context, db execer, rec *storage.Record, editedFrom int64) (int64, error) {
	if len(rec.Embedding) != c.dimensions {
		return 0, fmt.Errorf("Insert: got %d dimensions, want %d: %w",
			len(rec.Embedding), c.dimensions, storage.ErrDimensionMismatch)
	}

	embeddingJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return 0, fmt.Errorf("Insert: %w", err)
	}

	docID := c.node.Generate().Int64()
	status := rec.Status
	if status == "" {
		status = storage.StatusActive
	}
	lastAccess := rec.LastAccessTime
	if lastAccess < rec.CreateTime {
		lastAccess = rec.CreateTime
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
		(doc_id, content, event_type, importance, create_time, last_access_time,
		 access_count, session_id, persona_id, status, edited_from, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.table)

	_, err = db.ExecContext(ctx, query,
		docID,
		rec.Content,
		string(rec.EventType),
		rec.Importance,
		rec.CreateTime,
		lastAccess,
		rec.AccessCount,
		nullableString(rec.SessionID),
		nullableString(rec.PersonaID),
		string(status),
		nullableID(editedFrom),
		string(embeddingJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("Insert: %w", err)
	}

	return docID, nil
}

// Get retrieves a memory by DocID.
func (c *Client) Get(ctx context.Context, docID int64) (*storage.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE doc_id = ?`, recordColumns, c.table)

	rec, err := scanRecord(c.db.QueryRowContext(ctx, query, docID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: doc_id %d: %w", docID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return rec, nil
}

// GetMany retrieves the given memories, keyed by DocID.
func (c *Client) GetMany(ctx context.Context, docIDs []int64) (map[int64]*storage.Record, error) {
	result := make(map[int64]*storage.Record, len(docIDs))
	if len(docIDs) == 0 {
		return result, nil
	}

	placeholders, args := idPlaceholders(docIDs)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE doc_id IN (%s)`, recordColumns, c.table, placeholders)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetMany: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("GetMany: %w", err)
		}
		result[rec.DocID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetMany: %w", err)
	}

	return result, nil
}

// Update patches metadata fields of a memory in place.
func (c *Client) Update(ctx context.Context, docID int64, patch storage.Patch) error {
	if patch.IsZero() {
		return nil
	}

	sets := []string{}
	args := []interface{}{}
	if patch.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, *patch.Importance)
	}
	if patch.LastAccessTime != nil {
		sets = append(sets, "last_access_time = ?")
		args = append(args, *patch.LastAccessTime)
	}
	if patch.AccessCount != nil {
		sets = append(sets, "access_count = ?")
		args = append(args, *patch.AccessCount)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	args = append(args, docID)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE doc_id = ?`, c.table, strings.Join(sets, ", "))
	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("Update: doc_id %d: %w", docID, storage.ErrNotFound)
	}

	return nil
}

// ReplaceContent models a content edit as delete + insert in one transaction.
// The new record keeps the old metadata but carries the new content, the new
// embedding, and an EditedFrom back-reference.
func (c *Client) ReplaceContent(ctx context.Context, docID int64, content string, embedding []float64) (int64, error) {
	old, err := c.Get(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("ReplaceContent: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ReplaceContent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ?`, c.table), docID); err != nil {
		return 0, fmt.Errorf("ReplaceContent: %w", err)
	}

	replacement := *old
	replacement.Content = content
	replacement.Embedding = embedding
	newID, err := c.insertWithEditRef(ctx, tx, &replacement, docID)
	if err != nil {
		return 0, fmt.Errorf("ReplaceContent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ReplaceContent: %w", err)
	}

	return newID, nil
}

// DeleteMany removes the given memories in one transaction.
func (c *Client) DeleteMany(ctx context.Context, docIDs []int64) (int, error) {
	if len(docIDs) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("DeleteMany: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders, args := idPlaceholders(docIDs)
	query := fmt.Sprintf(`DELETE FROM %s WHERE doc_id IN (%s)`, c.table, placeholders)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("DeleteMany: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteMany: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("DeleteMany: %w", err)
	}

	return int(affected), nil
}

// DeleteAll removes every memory in one transaction.
func (c *Client) DeleteAll(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("DeleteAll: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, c.table)); err != nil {
		return fmt.Errorf("DeleteAll: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("DeleteAll: %w", err)
	}

	return nil
}

// Scan walks matching memories in ascending DocID order, one page per query.
// Each page is its own snapshot, so rows deleted between pages are simply
// absent from later pages.
func (c *Client) Scan(ctx context.Context, pageSize int, filter storage.Filter, fn storage.PageFunc) error {
	if pageSize <= 0 {
		pageSize = 100
	}

	lastID := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		whereClause, args := buildWhereClause(filter, "doc_id > ?", lastID)
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			%s
			ORDER BY doc_id ASC
			LIMIT %d
		`, recordColumns, c.table, whereClause, pageSize)

		page, err := c.queryRecords(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("Scan: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		lastID = page[len(page)-1].DocID
		if err := fn(ctx, page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// DenseSearch returns up to k memories matching the filter, ranked by cosine
// similarity normalized to [0, 1].
//
// SQLite has no native vector operations, so similarity is calculated in
// memory over the filtered rows.
func (c *Client) DenseSearch(ctx context.Context, embedding []float64, k int, filter storage.Filter) ([]storage.SearchHit, error) {
	if len(embedding) != c.dimensions {
		return nil, fmt.Errorf("DenseSearch: got %d dimensions, want %d: %w",
			len(embedding), c.dimensions, storage.ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, nil
	}

	whereClause, args := buildWhereClause(filter, "", 0)
	query := fmt.Sprintf(`SELECT doc_id, embedding FROM %s %s`, c.table, whereClause)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("DenseSearch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SearchHit
	for rows.Next() {
		var docID int64
		var embeddingStr string
		if err := rows.Scan(&docID, &embeddingStr); err != nil {
			return nil, fmt.Errorf("DenseSearch: %w", err)
		}

		var vec []float64
		if err := json.Unmarshal([]byte(embeddingStr), &vec); err != nil {
			return nil, fmt.Errorf("DenseSearch: parse embedding: %w", err)
		}

		hits = append(hits, storage.SearchHit{
			DocID:      docID,
			Similarity: normalizedCosine(embedding, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("DenseSearch: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	return hits, nil
}

// Touch sets LastAccessTime and increments AccessCount for each id present.
func (c *Client) Touch(ctx context.Context, docIDs []int64, now int64) error {
	if len(docIDs) == 0 {
		return nil
	}

	placeholders, args := idPlaceholders(docIDs)
	query := fmt.Sprintf(`
		UPDATE %s SET last_access_time = ?, access_count = access_count + 1
		WHERE doc_id IN (%s)
	`, c.table, placeholders)

	if _, err := c.db.ExecContext(ctx, query, append([]interface{}{now}, args...)...); err != nil {
		return fmt.Errorf("Touch: %w", err)
	}

	return nil
}

// CountByStatus returns the number of memories per lifecycle state.
func (c *Client) CountByStatus(ctx context.Context) (storage.StatusCounts, error) {
	var counts storage.StatusCounts

	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, c.table)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return counts, fmt.Errorf("CountByStatus: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("CountByStatus: %w", err)
		}
		switch storage.Status(status) {
		case storage.StatusActive:
			counts.Active = n
		case storage.StatusArchived:
			counts.Archived = n
		case storage.StatusDeleted:
			counts.Deleted = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("CountByStatus: %w", err)
	}

	return counts, nil
}

// Dimensions returns the embedding dimension the store was opened with.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// queryRecords runs a query returning full record rows.
func (c *Client) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*storage.Record, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
