package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/livingmem/livingmem-go/pkg/storage"
)

func TestBuildWhereClauseEmpty(t *testing.T) {
	clause, args := buildWhereClause(storage.Filter{}, 0)
	assert.Empty(t, clause)
	assert.Empty(t, args)
}

func TestBuildWhereClauseNumbering(t *testing.T) {
	clause, args := buildWhereClause(storage.Filter{
		Status:        storage.StatusActive,
		SessionID:     "s1",
		PersonaID:     "p1",
		CreateTimeMin: 100,
		CreateTimeMax: 200,
		ImportanceMin: 0.2,
		ImportanceMax: 0.8,
	}, 42)

	want := "WHERE doc_id > $1 AND status = $2 AND (session_id = $3 OR session_id IS NULL) AND (persona_id = $4 OR persona_id IS NULL) AND create_time >= $5 AND create_time <= $6 AND importance >= $7 AND importance <= $8"
	assert.Equal(t, want, clause)
	assert.Equal(t, []interface{}{int64(42), "active", "s1", "p1", int64(100), int64(200), 0.2, 0.8}, args)
}

func TestNormalizedCosine(t *testing.T) {
	assert.InDelta(t, 1.0, normalizedCosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, normalizedCosine([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.InDelta(t, 0.5, normalizedCosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, normalizedCosine([]float64{0, 0}, []float64{1, 0}))
	assert.Zero(t, normalizedCosine([]float64{1}, []float64{1, 0}))
}
