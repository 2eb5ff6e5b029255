package store

import (
	"context"
	"errors"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write loses the race on
	// an origin's membership version. Callers re-read and retry.
	ErrConflict = errors.New("version conflict")
)

// Store is the record store behind the orchestrator and the poller. History
// writes are append-only; everything else is keyed by the record's id.
type Store interface {
	CreateDistribution(ctx context.Context, d models.Distribution) error
	GetDistribution(ctx context.Context, id string) (models.Distribution, error)
	ListDistributions(ctx context.Context) ([]models.Distribution, error)
	// ListPendingDistributions returns records whose status is Creating or
	// InProgress, the set the scheduled sweep re-polls.
	ListPendingDistributions(ctx context.Context) ([]models.Distribution, error)
	// UpdateDistribution replaces the record. It fails with ErrNotFound if
	// the record was deleted, which is how a poll racing a delete no-ops.
	UpdateDistribution(ctx context.Context, d models.Distribution) error
	// UpdateDistributionStatus persists an observed status transition and
	// bumps the record version, conditional on the record still existing.
	UpdateDistributionStatus(ctx context.Context, id string, status models.Status, version int64) error
	DeleteDistribution(ctx context.Context, id string) error

	CreateOrigin(ctx context.Context, o models.Origin) error
	GetOrigin(ctx context.Context, id string) (models.Origin, error)
	ListOrigins(ctx context.Context) ([]models.Origin, error)
	UpdateOrigin(ctx context.Context, o models.Origin) error
	// UpdateOriginARNs writes a recomputed membership set, conditional on
	// the version observed when it was read. ErrConflict signals a lost
	// race; the reconciler re-reads and retries.
	UpdateOriginARNs(ctx context.Context, id string, arns []string, expectedVersion int64) error
	DeleteOrigin(ctx context.Context, id string) error

	PutEdgeFunction(ctx context.Context, f models.EdgeFunction) error
	GetEdgeFunction(ctx context.Context, id string) (models.EdgeFunction, error)
	DeleteEdgeFunction(ctx context.Context, id string) error

	AppendHistory(ctx context.Context, e models.HistoryEntry) error
	ListHistory(ctx context.Context, distributionID string) ([]models.HistoryEntry, error)

	Ping(ctx context.Context) error
}
