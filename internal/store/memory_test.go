package store

import (
	"context"
	"errors"
	"testing"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

func TestMemoryStoreDistributionLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	d := models.Distribution{ID: "d1", Name: "site", Status: models.StatusCreating, Version: 1}
	if err := st.CreateDistribution(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := st.ListPendingDistributions(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, %v", pending, err)
	}

	if err := st.UpdateDistributionStatus(ctx, "d1", models.StatusDeployed, 2); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := st.GetDistribution(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusDeployed || got.Version != 2 {
		t.Fatalf("got status=%s version=%d", got.Status, got.Version)
	}

	pending, _ = st.ListPendingDistributions(ctx)
	if len(pending) != 0 {
		t.Fatalf("deployed distribution still pending")
	}

	if err := st.DeleteDistribution(ctx, "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.UpdateDistributionStatus(ctx, "d1", models.StatusDeployed, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status update after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreOriginARNsConditionalWrite(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	if err := st.CreateOrigin(ctx, models.Origin{ID: "o1", BucketName: "bkt"}); err != nil {
		t.Fatalf("create origin: %v", err)
	}

	if err := st.UpdateOriginARNs(ctx, "o1", []string{"arn-a"}, 1); err != nil {
		t.Fatalf("first conditional write: %v", err)
	}
	// Version moved to 2, a write against the stale version loses.
	if err := st.UpdateOriginARNs(ctx, "o1", []string{"arn-b"}, 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale write = %v, want ErrConflict", err)
	}
	if err := st.UpdateOriginARNs(ctx, "o1", []string{"arn-a", "arn-b"}, 2); err != nil {
		t.Fatalf("fresh write: %v", err)
	}

	o, _ := st.GetOrigin(ctx, "o1")
	if len(o.DistributionARNs) != 2 || o.Version != 3 {
		t.Fatalf("arns=%v version=%d", o.DistributionARNs, o.Version)
	}
}

func TestMemoryStoreHistoryIsAppendOnlyPerDistribution(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for _, id := range []string{"d1", "d2", "d1"} {
		if err := st.AppendHistory(ctx, models.HistoryEntry{DistributionID: id, Action: models.ActionStatusChanged}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, err := st.ListHistory(ctx, "d1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for d1, got %d", len(entries))
	}
}
