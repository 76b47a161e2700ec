package postgres

import (
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/lib/pq"

	"github.com/livingmem/livingmem-go/pkg/storage"
)

// recordColumns is the canonical column list for full-record selects, aligned
// with the Scan order in scanRecord.
const recordColumns = "doc_id, content, event_type, importance, create_time, last_access_time, access_count, session_id, persona_id, status, edited_from, embedding"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord reads one full record row.
func scanRecord(row rowScanner) (*storage.Record, error) {
	var (
		rec        storage.Record
		eventType  string
		status     string
		sessionID  sql.NullString
		personaID  sql.NullString
		editedFrom sql.NullInt64
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
		pq.Array(&rec.Embedding),
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

	return &rec, nil
}

// buildWhereClause turns a filter into a WHERE clause with numbered bind args.
//
// Session and persona predicates also match rows carrying no id, so shared
// memories stay visible under session and persona isolation. A non-zero
// afterDocID adds a doc_id lower bound for keyset pagination.
func buildWhereClause(filter storage.Filter, afterDocID int64) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}
	n := 1

	add := func(cond string, vals ...interface{}) {
		placeholders := make([]interface{}, len(vals))
		for i := range vals {
			placeholders[i] = n
			n++
		}
		conditions = append(conditions, fmt.Sprintf(cond, placeholders...))
		args = append(args, vals...)
	}

	if afterDocID != 0 {
		add("doc_id > $%d", afterDocID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.SessionID != "" {
		add("(session_id = $%d OR session_id IS NULL)", filter.SessionID)
	}
	if filter.PersonaID != "" {
		add("(persona_id = $%d OR persona_id IS NULL)", filter.PersonaID)
	}
	if filter.CreateTimeMin != 0 {
		add("create_time >= $%d", filter.CreateTimeMin)
	}
	if filter.CreateTimeMax != 0 {
		add("create_time <= $%d", filter.CreateTimeMax)
	}
	if filter.HasImportanceRange() {
		add("importance >= $%d AND importance <= $%d", filter.ImportanceMin, filter.ImportanceMax)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
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
