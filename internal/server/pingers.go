package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
// Returns nil if Qdrant is reachable, or a descriptive error otherwise.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	_, err := p.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// dbPinger is the subset of the history store used for readiness probes.
type dbPinger interface {
	Ping(ctx context.Context) error
}

// SQLitePinger probes the history database connection. It satisfies the
// Pinger interface and is used by GET /api/ready.
type SQLitePinger struct {
	db dbPinger
}

// NewSQLitePinger constructs a SQLitePinger for the given store.
func NewSQLitePinger(db dbPinger) *SQLitePinger {
	return &SQLitePinger{db: db}
}

// Name returns the dependency label used in readiness responses.
func (p *SQLitePinger) Name() string { return "sqlite" }

// Ping verifies the database connection is alive.
func (p *SQLitePinger) Ping(ctx context.Context) error {
	if err := p.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
