package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

func TestPGStoreGetDistribution(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"distribution_id", "name", "cloudfront_id", "status", "domain_name", "arn",
		"is_multi_origin", "edge_function_id", "access_identity_id", "config", "last_error",
		"version", "created_by", "created_at", "updated_at",
	}).AddRow("d1", "site", "E123", "InProgress", "d.cloudfront.net", "arn:aws:cloudfront::1:distribution/E123",
		true, "f1", "", []byte(`{}`), "", int64(2), "ops@example.com", now, now)

	mock.ExpectQuery("SELECT .+ FROM distributions WHERE distribution_id=").
		WithArgs("d1").
		WillReturnRows(rows)

	d, err := st.GetDistribution(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != models.StatusInProgress || !d.IsMultiOrigin || d.Version != 2 {
		t.Fatalf("unexpected record: %+v", d)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreUpdateOriginARNsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	arns := []string{"arn-a"}
	// Zero rows affected with the row still present means a lost version race.
	mock.ExpectExec("UPDATE origins SET distribution_arns=").
		WithArgs("o1", pq.Array(arns), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now().UTC()
	originRows := sqlmock.NewRows([]string{
		"origin_id", "name", "bucket_name", "region", "oac_id", "distribution_arns",
		"website_enabled", "website_config", "cors_config", "version", "created_by",
		"created_at", "updated_at",
	}).AddRow("o1", "bkt", "bkt", "us-east-1", "", pq.Array([]string{}),
		false, []byte(`{}`), []byte(`[]`), int64(2), "", now, now)
	mock.ExpectQuery("SELECT .+ FROM origins WHERE origin_id=").
		WithArgs("o1").
		WillReturnRows(originRows)

	err = st.UpdateOriginARNs(context.Background(), "o1", arns, 1)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreUpdateOriginARNsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	arns := []string{"arn-a"}
	mock.ExpectExec("UPDATE origins SET distribution_arns=").
		WithArgs("missing", pq.Array(arns), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM origins WHERE origin_id=").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"origin_id"}))

	err = st.UpdateOriginARNs(context.Background(), "missing", arns, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPGStoreAppendHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	mock.ExpectExec("INSERT INTO history").
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := models.HistoryEntry{
		DistributionID: "d1",
		Action:         models.ActionStatusChanged,
		Actor:          "poller",
		PreviousStatus: models.StatusInProgress,
		NewStatus:      models.StatusDeployed,
		Version:        3,
	}
	if err := st.AppendHistory(context.Background(), entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
