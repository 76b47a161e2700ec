package sqlite

import (
	"database/sql"
	"encoding/json"
	"math"
	"strings"

	"github.com/livingmem/livingmem-go/pkg/storage"
)

// recordColumns is the canonical column list for full-record selects, aligned
// with the Scan order in scanRecord.
const recordColumns = "doc_id, content, event_type, importance, create_time, last_access_time, access_count, session_id, persona_id, status, edited_from, embedding"

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord reads one full record row.
func scanRecord(row rowScanner) (*storage.Record, error) {
	var (
		rec          storage.Record
		eventType    string
		status       string
		sessionID    sql.NullString
		personaID    sql.NullString
		editedFrom   sql.NullInt64
		embeddingStr string
	)

	err := row.Scan(
		&rec.DocID,
		&rec.Content,
		&eventType,
		&rec.Importance,
		&rec.CreateTime,
		&rec.LastAccessTime,
		&rec.AccessCount,
		&sessionID,
		&personaID,
		&status,
		&editedFrom,
		&embeddingStr,
	)
	if err != nil {
		return nil, err
	}

	rec.EventType = storage.EventType(eventType)
	rec.Status = storage.Status(status)
	if sessionID.Valid {
		rec.SessionID = sessionID.String
	}
	if personaID.Valid {
		rec.PersonaID = personaID.String
	}
	if editedFrom.Valid {
		rec.EditedFrom = editedFrom.Int64
	}
	if err := json.Unmarshal([]byte(embeddingStr), &rec.Embedding); err != nil {
		return nil, err
	}

	return &rec, nil
}

// buildWhereClause turns a filter into a WHERE clause with bind args.
//
// Session and persona predicates also match rows carrying no id, so shared
// memories stay visible under session and persona isolation. extraCond, when
// non-empty, is prepended with extraArg as its single bind value.
func buildWhereClause(filter storage.Filter, extraCond string, extraArg int64) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}

	if extraCond != "" {
		conditions = append(conditions, extraCond)
		args = append(args, extraArg)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "(session_id = ? OR session_id IS NULL)")
		args = append(args, filter.SessionID)
	}
	if filter.PersonaID != "" {
		conditions = append(conditions, "(persona_id = ? OR persona_id IS NULL)")
		args = append(args, filter.PersonaID)
	}
	if filter.CreateTimeMin != 0 {
		conditions = append(conditions, "create_time >= ?")
		args = append(args, filter.CreateTimeMin)
	}
	if filter.CreateTimeMax != 0 {
		conditions = append(conditions, "create_time <= ?")
		args = append(args, filter.CreateTimeMax)
	}
	if filter.HasImportanceRange() {
		conditions = append(conditions, "importance >= ? AND importance <= ?")
		args = append(args, filter.ImportanceMin, filter.ImportanceMax)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// idPlaceholders builds a "?, ?, ?" list and the matching args for an IN clause.
func idPlaceholders(docIDs []int64) (string, []interface{}) {
	placeholders := make([]string, len(docIDs))
	args := make([]interface{}, len(docIDs))
	for i, id := range docIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

// nullableString maps the empty string to SQL NULL.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableID maps zero to SQL NULL.
func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

// normalizedCosine returns cosine similarity mapped from [-1, 1] to [0, 1].
// Mismatched lengths and zero vectors score 0.
func normalizedCosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return (cos + 1) / 2
}
