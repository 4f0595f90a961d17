package embedding

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// MemoryRegistry keeps recorded dimensions for the life of the process.
type MemoryRegistry struct {
	mu   sync.Mutex
	dims map[string]int
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{dims: make(map[string]int)}
}

func (r *MemoryRegistry) Observe(_ context.Context, model string, dim int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dims[model]; ok {
		return d, nil
	}
	r.dims[model] = dim
	return dim, nil
}

// PostgresRegistry persists the first observed dimension per model in embedding_models, so a
// restart with a reconfigured model cannot silently mix vector sizes.
type PostgresRegistry struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]int
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, cache: make(map[string]int)}
}

func (r *PostgresRegistry) Observe(ctx context.Context, model string, dim int) (int, error) {
	r.mu.RLock()
	d, ok := r.cache[model]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `INSERT INTO embedding_models (model_id, dimension) VALUES ($1, $2)
		ON CONFLICT (model_id) DO UPDATE SET model_id = EXCLUDED.model_id
		RETURNING dimension`
	if err := r.db.QueryRowContext(ctx, query, model, dim).Scan(&d); err != nil {
		return 0, fmt.Errorf("failed to observe dimension for %s: %w", model, err)
	}

	r.mu.Lock()
	r.cache[model] = d
	r.mu.Unlock()
	return d, nil
}

// Lookup returns the recorded dimension for model, if any.
func (r *PostgresRegistry) Lookup(ctx context.Context, model string) (int, bool, error) {
	var d int
	err := r.db.QueryRowContext(ctx, "SELECT dimension FROM embedding_models WHERE model_id = $1", model).Scan(&d)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}
