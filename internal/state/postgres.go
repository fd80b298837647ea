package state

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ad-tracker/channel-announcer/internal/db"
)

// documentName is the row key of the single state document.
const documentName = "watch_state"

// PostgresBackend stores the state document in the watch_state table
// created by the migrations.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	owned bool
}

// OpenPostgres connects to url and verifies the connection.
func OpenPostgres(ctx context.Context, url string) (*PostgresBackend, error) {
	if url == "" {
		return nil, errors.New("state.databaseurl is required for postgres driver")
	}
	pool, err := db.NewPool(ctx, url, db.PoolOptions{})
	if err != nil {
		return nil, err
	}
	return &PostgresBackend{pool: pool, owned: true}, nil
}

// NewPostgresBackend wraps an existing pool; Close leaves it open.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	err := b.pool.QueryRow(ctx, `SELECT data FROM watch_state WHERE name = $1`, documentName).Scan(&data)
	if err != nil {
		err = db.Wrap("read watch state", err)
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *PostgresBackend) Write(ctx context.Context, data []byte) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO watch_state (name, data, updated_at) VALUES ($1, $2::jsonb, NOW())
		 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		documentName, string(data),
	)
	return db.Wrap("write watch state", err)
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *PostgresBackend) Close() error {
	if b.owned {
		b.pool.Close()
	}
	return nil
}
