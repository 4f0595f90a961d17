package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_FirstObservationWins(t *testing.T) {
	r := NewMemoryRegistry()
	d, err := r.Observe(context.Background(), "m", 768)
	require.NoError(t, err)
	assert.Equal(t, 768, d)

	d, err = r.Observe(context.Background(), "m", 1024)
	require.NoError(t, err)
	assert.Equal(t, 768, d)
}

func TestPostgresRegistry_Observe(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRegistry(db)

	mock.ExpectQuery("INSERT INTO embedding_models").
		WithArgs("gemini/gemini-embedding-001", 1024).
		WillReturnRows(sqlmock.NewRows([]string{"dimension"}).AddRow(3072))

	d, err := r.Observe(context.Background(), "gemini/gemini-embedding-001", 1024)
	require.NoError(t, err)
	assert.Equal(t, 3072, d, "the stored dimension wins")

	// Served from cache, no second query.
	d, err = r.Observe(context.Background(), "gemini/gemini-embedding-001", 1024)
	require.NoError(t, err)
	assert.Equal(t, 3072, d)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_Observe_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO embedding_models").WillReturnError(errors.New("connection refused"))

	_, err = NewPostgresRegistry(db).Observe(context.Background(), "m", 3)
	assert.ErrorContains(t, err, "connection refused")
}

func TestPostgresRegistry_Lookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewPostgresRegistry(db)
	mock.ExpectQuery("SELECT dimension FROM embedding_models").
		WithArgs("m").
		WillReturnRows(sqlmock.NewRows([]string{"dimension"}))

	_, ok, err := r.Lookup(context.Background(), "m")
	require.NoError(t, err)
	assert.False(t, ok)
}
