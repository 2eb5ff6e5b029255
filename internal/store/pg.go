package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

// PGStore implements Store on Postgres. EnsureSchema creates the backing
// tables on startup.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the backing tables if they do not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS distributions (
  distribution_id text PRIMARY KEY,
  name text NOT NULL,
  cloudfront_id text NOT NULL DEFAULT '',
  status text NOT NULL,
  domain_name text NOT NULL DEFAULT '',
  arn text NOT NULL DEFAULT '',
  is_multi_origin boolean NOT NULL DEFAULT false,
  edge_function_id text NOT NULL DEFAULT '',
  access_identity_id text NOT NULL DEFAULT '',
  config jsonb NOT NULL DEFAULT '{}',
  last_error text NOT NULL DEFAULT '',
  version bigint NOT NULL DEFAULT 1,
  created_by text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_distributions_status ON distributions (status);
CREATE TABLE IF NOT EXISTS origins (
  origin_id text PRIMARY KEY,
  name text NOT NULL,
  bucket_name text NOT NULL,
  region text NOT NULL,
  oac_id text NOT NULL DEFAULT '',
  distribution_arns text[] NOT NULL DEFAULT '{}',
  website_enabled boolean NOT NULL DEFAULT false,
  website_config jsonb,
  cors_config jsonb,
  version bigint NOT NULL DEFAULT 1,
  created_by text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS edge_functions (
  function_id text PRIMARY KEY,
  function_name text NOT NULL,
  function_arn text NOT NULL DEFAULT '',
  version_arn text NOT NULL DEFAULT '',
  preset text NOT NULL DEFAULT '',
  code_content text NOT NULL DEFAULT '',
  region_mapping jsonb,
  origin_ids text[] NOT NULL DEFAULT '{}',
  distribution_id text NOT NULL DEFAULT '',
  created_by text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS history (
  distribution_id text NOT NULL,
  ts timestamptz NOT NULL DEFAULT now(),
  action text NOT NULL,
  actor text NOT NULL DEFAULT '',
  previous_status text NOT NULL DEFAULT '',
  new_status text NOT NULL DEFAULT '',
  version bigint NOT NULL DEFAULT 0,
  details jsonb
);
CREATE INDEX IF NOT EXISTS idx_history_distribution ON history (distribution_id, ts);
`
	_, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

const distributionColumns = `distribution_id, name, cloudfront_id, status, domain_name, arn,
	is_multi_origin, edge_function_id, access_identity_id, config, last_error, version,
	created_by, created_at, updated_at`

func scanDistribution(row interface{ Scan(...interface{}) error }) (models.Distribution, error) {
	var d models.Distribution
	var status string
	err := row.Scan(&d.ID, &d.Name, &d.CloudFrontID, &status, &d.DomainName, &d.ARN,
		&d.IsMultiOrigin, &d.EdgeFunctionID, &d.AccessIdentityID, &d.Config, &d.LastError,
		&d.Version, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.Distribution{}, err
	}
	d.Status = models.Status(status)
	return d, nil
}

func (s *PGStore) CreateDistribution(ctx context.Context, d models.Distribution) error {
	const query = `
		INSERT INTO distributions (distribution_id, name, cloudfront_id, status, domain_name, arn,
			is_multi_origin, edge_function_id, access_identity_id, config, last_error, version, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err := s.db.ExecContext(ctx, query, d.ID, d.Name, d.CloudFrontID, string(d.Status),
		d.DomainName, d.ARN, d.IsMultiOrigin, d.EdgeFunctionID, d.AccessIdentityID,
		ensureJSON(d.Config, "{}"), d.LastError, d.Version, d.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert distribution: %w", err)
	}
	return nil
}

func (s *PGStore) GetDistribution(ctx context.Context, id string) (models.Distribution, error) {
	query := `SELECT ` + distributionColumns + ` FROM distributions WHERE distribution_id=$1`
	d, err := scanDistribution(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Distribution{}, ErrNotFound
		}
		return models.Distribution{}, fmt.Errorf("get distribution: %w", err)
	}
	return d, nil
}

func (s *PGStore) listDistributions(ctx context.Context, query string, args ...interface{}) ([]models.Distribution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list distributions: %w", err)
	}
	defer rows.Close()
	var out []models.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) ListDistributions(ctx context.Context) ([]models.Distribution, error) {
	return s.listDistributions(ctx,
		`SELECT `+distributionColumns+` FROM distributions ORDER BY created_at`)
}

func (s *PGStore) ListPendingDistributions(ctx context.Context) ([]models.Distribution, error) {
	return s.listDistributions(ctx,
		`SELECT `+distributionColumns+` FROM distributions WHERE status = ANY($1) ORDER BY created_at`,
		pq.Array([]string{string(models.StatusCreating), string(models.StatusInProgress)}))
}

func (s *PGStore) UpdateDistribution(ctx context.Context, d models.Distribution) error {
	const query = `
		UPDATE distributions
		SET name=$2, cloudfront_id=$3, status=$4, domain_name=$5, arn=$6, is_multi_origin=$7,
			edge_function_id=$8, access_identity_id=$9, config=$10, last_error=$11, version=$12,
			updated_at=NOW()
		WHERE distribution_id=$1
	`
	res, err := s.db.ExecContext(ctx, query, d.ID, d.Name, d.CloudFrontID, string(d.Status),
		d.DomainName, d.ARN, d.IsMultiOrigin, d.EdgeFunctionID, d.AccessIdentityID,
		ensureJSON(d.Config, "{}"), d.LastError, d.Version)
	if err != nil {
		return fmt.Errorf("update distribution: %w", err)
	}
	return requireRow(res)
}

func (s *PGStore) UpdateDistributionStatus(ctx context.Context, id string, status models.Status, version int64) error {
	const query = `
		UPDATE distributions SET status=$2, version=$3, updated_at=NOW()
		WHERE distribution_id=$1
	`
	res, err := s.db.ExecContext(ctx, query, id, string(status), version)
	if err != nil {
		return fmt.Errorf("update distribution status: %w", err)
	}
	return requireRow(res)
}

func (s *PGStore) DeleteDistribution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM distributions WHERE distribution_id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete distribution: %w", err)
	}
	return requireRow(res)
}

const originColumns = `origin_id, name, bucket_name, region, oac_id, distribution_arns,
	website_enabled, website_config, cors_config, version, created_by, created_at, updated_at`

func scanOrigin(row interface{ Scan(...interface{}) error }) (models.Origin, error) {
	var o models.Origin
	var arns pq.StringArray
	err := row.Scan(&o.ID, &o.Name, &o.BucketName, &o.Region, &o.AccessControlID, &arns,
		&o.WebsiteEnabled, &o.WebsiteConfig, &o.CORSConfig, &o.Version, &o.CreatedBy,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return models.Origin{}, err
	}
	o.DistributionARNs = []string(arns)
	return o, nil
}

func (s *PGStore) CreateOrigin(ctx context.Context, o models.Origin) error {
	if o.Version == 0 {
		o.Version = 1
	}
	const query = `
		INSERT INTO origins (origin_id, name, bucket_name, region, oac_id, distribution_arns,
			website_enabled, website_config, cors_config, version, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err := s.db.ExecContext(ctx, query, o.ID, o.Name, o.BucketName, o.Region, o.AccessControlID,
		pq.Array(o.DistributionARNs), o.WebsiteEnabled, ensureJSON(o.WebsiteConfig, "null"),
		ensureJSON(o.CORSConfig, "null"), o.Version, o.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert origin: %w", err)
	}
	return nil
}

func (s *PGStore) GetOrigin(ctx context.Context, id string) (models.Origin, error) {
	query := `SELECT ` + originColumns + ` FROM origins WHERE origin_id=$1`
	o, err := scanOrigin(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Origin{}, ErrNotFound
		}
		return models.Origin{}, fmt.Errorf("get origin: %w", err)
	}
	return o, nil
}

func (s *PGStore) ListOrigins(ctx context.Context) ([]models.Origin, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+originColumns+` FROM origins ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list origins: %w", err)
	}
	defer rows.Close()
	var out []models.Origin
	for rows.Next() {
		o, err := scanOrigin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan origin: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateOrigin(ctx context.Context, o models.Origin) error {
	const query = `
		UPDATE origins
		SET name=$2, bucket_name=$3, region=$4, oac_id=$5, distribution_arns=$6,
			website_enabled=$7, website_config=$8, cors_config=$9, version=$10, updated_at=NOW()
		WHERE origin_id=$1
	`
	res, err := s.db.ExecContext(ctx, query, o.ID, o.Name, o.BucketName, o.Region, o.AccessControlID,
		pq.Array(o.DistributionARNs), o.WebsiteEnabled, ensureJSON(o.WebsiteConfig, "null"),
		ensureJSON(o.CORSConfig, "null"), o.Version)
	if err != nil {
		return fmt.Errorf("update origin: %w", err)
	}
	return requireRow(res)
}

func (s *PGStore) UpdateOriginARNs(ctx context.Context, id string, arns []string, expectedVersion int64) error {
	const query = `
		UPDATE origins SET distribution_arns=$2, version=version+1, updated_at=NOW()
		WHERE origin_id=$1 AND version=$3
	`
	res, err := s.db.ExecContext(ctx, query, id, pq.Array(arns), expectedVersion)
	if err != nil {
		return fmt.Errorf("update origin arns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a lost version race.
		if _, err := s.GetOrigin(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PGStore) DeleteOrigin(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM origins WHERE origin_id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete origin: %w", err)
	}
	return requireRow(res)
}

func (s *PGStore) PutEdgeFunction(ctx context.Context, f models.EdgeFunction) error {
	mapping, err := json.Marshal(f.RegionMapping)
	if err != nil {
		return fmt.Errorf("marshal region mapping: %w", err)
	}
	const query = `
		INSERT INTO edge_functions (function_id, function_name, function_arn, version_arn, preset,
			code_content, region_mapping, origin_ids, distribution_id, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (function_id) DO UPDATE SET
			function_name=EXCLUDED.function_name, function_arn=EXCLUDED.function_arn,
			version_arn=EXCLUDED.version_arn, preset=EXCLUDED.preset,
			code_content=EXCLUDED.code_content, region_mapping=EXCLUDED.region_mapping,
			origin_ids=EXCLUDED.origin_ids, distribution_id=EXCLUDED.distribution_id,
			updated_at=NOW()
	`
	_, err = s.db.ExecContext(ctx, query, f.ID, f.Name, f.ARN, f.VersionARN, f.Preset,
		f.Code, mapping, pq.Array(f.OriginIDs), f.DistributionID, f.CreatedBy)
	if err != nil {
		return fmt.Errorf("upsert edge function: %w", err)
	}
	return nil
}

func (s *PGStore) GetEdgeFunction(ctx context.Context, id string) (models.EdgeFunction, error) {
	const query = `
		SELECT function_id, function_name, function_arn, version_arn, preset, code_content,
			region_mapping, origin_ids, distribution_id, created_by, created_at, updated_at
		FROM edge_functions WHERE function_id=$1
	`
	var f models.EdgeFunction
	var mapping []byte
	var originIDs pq.StringArray
	err := s.db.QueryRowContext(ctx, query, id).Scan(&f.ID, &f.Name, &f.ARN, &f.VersionARN,
		&f.Preset, &f.Code, &mapping, &originIDs, &f.DistributionID, &f.CreatedBy,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EdgeFunction{}, ErrNotFound
		}
		return models.EdgeFunction{}, fmt.Errorf("get edge function: %w", err)
	}
	f.OriginIDs = []string(originIDs)
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &f.RegionMapping); err != nil {
			return models.EdgeFunction{}, fmt.Errorf("unmarshal region mapping: %w", err)
		}
	}
	return f, nil
}

func (s *PGStore) DeleteEdgeFunction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM edge_functions WHERE function_id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete edge function: %w", err)
	}
	return requireRow(res)
}

func (s *PGStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	const query = `
		INSERT INTO history (distribution_id, ts, action, actor, previous_status, new_status, version, details)
		VALUES ($1, COALESCE($2, NOW()), $3, $4, $5, $6, $7, $8)
	`
	var ts interface{}
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp
	}
	_, err := s.db.ExecContext(ctx, query, e.DistributionID, ts, e.Action, e.Actor,
		string(e.PreviousStatus), string(e.NewStatus), e.Version, ensureJSON(e.Details, "null"))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *PGStore) ListHistory(ctx context.Context, distributionID string) ([]models.HistoryEntry, error) {
	const query = `
		SELECT distribution_id, ts, action, actor, previous_status, new_status, version, details
		FROM history WHERE distribution_id=$1 ORDER BY ts
	`
	rows, err := s.db.QueryContext(ctx, query, distributionID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var out []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var prev, next string
		if err := rows.Scan(&e.DistributionID, &e.Timestamp, &e.Action, &e.Actor, &prev, &next,
			&e.Version, &e.Details); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.PreviousStatus = models.Status(prev)
		e.NewStatus = models.Status(next)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
