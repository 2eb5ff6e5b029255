// Package service implements the distribution lifecycle workflows: create,
// delete, status, invalidation, and origin management. Workflows sequence
// the record store, the CDN control plane, the edge function platform, and
// the access-policy reconciler, and are written to tolerate partial failure
// at every step rather than attempt cross-service rollback.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/edgeforge/cdn-orchestrator/internal/cdn"
	"github.com/edgeforge/cdn-orchestrator/internal/edgefn"
	"github.com/edgeforge/cdn-orchestrator/internal/history"
	"github.com/edgeforge/cdn-orchestrator/internal/models"
	"github.com/edgeforge/cdn-orchestrator/internal/policy"
	"github.com/edgeforge/cdn-orchestrator/internal/store"
)

// Service owns the lifecycle workflows. All fields are required except
// archiver, which is best-effort when configured.
type Service struct {
	store       store.Store
	cdn         *cdn.Client
	provisioner *edgefn.Provisioner
	reconciler  *policy.Reconciler
	recorder    *history.Recorder
	buckets     BucketClientFactory
	archiver    *edgefn.SourceArchiver

	cachePolicyID string
}

func New(st store.Store, cdnClient *cdn.Client, prov *edgefn.Provisioner, rec *policy.Reconciler, hist *history.Recorder, buckets BucketClientFactory, archiver *edgefn.SourceArchiver, cachePolicyID string) *Service {
	return &Service{
		store:         st,
		cdn:           cdnClient,
		provisioner:   prov,
		reconciler:    rec,
		recorder:      hist,
		buckets:       buckets,
		archiver:      archiver,
		cachePolicyID: cachePolicyID,
	}
}

// CreateDistributionRequest is the create input. MultiOrigin selects the
// edge-routed path: the named preset resolves DefaultOriginID plus
// AdditionalOriginIDs into a generated routing function.
type CreateDistributionRequest struct {
	Name   string                    `json:"name"`
	Config models.DistributionConfig `json:"config"`

	MultiOrigin         bool     `json:"multiOrigin"`
	Preset              string   `json:"preset,omitempty"`
	DefaultOriginID     string   `json:"defaultOriginId,omitempty"`
	AdditionalOriginIDs []string `json:"additionalOriginIds,omitempty"`

	Actor string `json:"-"`
}

// CreateDistribution runs the create workflow. The internal record is
// persisted in Creating state before any external call so a crashed create
// remains discoverable; failures after that point mark the record Failed
// with the error attached instead of rolling back external resources.
func (s *Service) CreateDistribution(ctx context.Context, req CreateDistributionRequest) (models.Distribution, error) {
	if err := s.validateCreate(ctx, req); err != nil {
		return models.Distribution{}, err
	}

	now := time.Now().UTC()
	d := models.Distribution{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Status:        models.StatusCreating,
		IsMultiOrigin: req.MultiOrigin,
		Version:       1,
		CreatedBy:     req.Actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if raw, err := json.Marshal(req.Config); err == nil {
		d.Config = raw
	}
	if err := s.store.CreateDistribution(ctx, d); err != nil {
		return models.Distribution{}, fmt.Errorf("persist record: %w", err)
	}

	created, err := s.provisionAndCreate(ctx, &d, req)
	if err != nil {
		// Already-completed steps (a provisioned edge function) stay in
		// place; the record carries the failure for the operator.
		d.Status = models.StatusFailed
		d.LastError = err.Error()
		d.UpdatedAt = time.Now().UTC()
		if uerr := s.store.UpdateDistribution(ctx, d); uerr != nil {
			log.Printf("[service] mark %s failed: %v", d.ID, uerr)
		}
		return d, err
	}

	d.CloudFrontID = created.ID
	d.ARN = created.ARN
	d.DomainName = created.DomainName
	d.Status = models.StatusInProgress
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateDistribution(ctx, d); err != nil {
		return d, fmt.Errorf("update record after create: %w", err)
	}

	// Access grants are eventually consistent: a failed reconciliation
	// leaves the distribution live but denied at the bucket until the next
	// reconciliation pass.
	for _, originID := range s.referencedOrigins(ctx, req) {
		if err := s.reconciler.Reconcile(ctx, originID, policy.Delta{Add: d.ARN}); err != nil {
			log.Printf("[service] grant access on origin %s for %s: %v", originID, d.ID, err)
		}
		if d.AccessIdentityID == "" {
			continue
		}
		// Multi-origin requests are signed with the shared identity, so
		// its principal needs read access alongside the membership grant.
		o, err := s.store.GetOrigin(ctx, originID)
		if err != nil {
			log.Printf("[service] load origin %s for identity grant: %v", originID, err)
			continue
		}
		if err := s.reconciler.GrantAccessIdentity(ctx, o.Region, o.BucketName, d.AccessIdentityID); err != nil {
			log.Printf("[service] grant identity on %s for %s: %v", o.BucketName, d.ID, err)
		}
	}

	if err := s.recorder.Record(ctx, models.HistoryEntry{
		DistributionID: d.ID,
		Action:         models.ActionCreate,
		Actor:          req.Actor,
		NewStatus:      d.Status,
		Version:        d.Version,
	}); err != nil {
		log.Printf("[service] record create history for %s: %v", d.ID, err)
	}
	return d, nil
}

func (s *Service) validateCreate(ctx context.Context, req CreateDistributionRequest) error {
	if req.Name == "" {
		return &ValidationError{Msg: "name is required"}
	}
	if req.MultiOrigin {
		if req.Preset == "" || req.DefaultOriginID == "" {
			return &ValidationError{Msg: "multi-origin distributions require a preset and a default origin"}
		}
		return nil
	}
	if len(req.Config.Origins) == 0 {
		return &ValidationError{Msg: "at least one origin is required"}
	}
	if req.Config.DefaultCacheBehavior == nil || req.Config.DefaultCacheBehavior.TargetOriginID == "" {
		return &ValidationError{Msg: "exactly one default cache behavior with a target origin is required"}
	}
	known := map[string]bool{}
	for _, o := range req.Config.Origins {
		if o.ID == "" {
			return &ValidationError{Msg: "every origin needs an id"}
		}
		known[o.ID] = true
	}
	if !known[req.Config.DefaultCacheBehavior.TargetOriginID] {
		return &ValidationError{Msg: fmt.Sprintf("default cache behavior targets unknown origin %q", req.Config.DefaultCacheBehavior.TargetOriginID)}
	}
	for _, b := range req.Config.CacheBehaviors {
		if !known[b.TargetOriginID] {
			return &ValidationError{Msg: fmt.Sprintf("cache behavior %q targets unknown origin %q", b.PathPattern, b.TargetOriginID)}
		}
	}
	return nil
}

// provisionAndCreate is steps 3 and 4 of the create workflow: the edge
// function (multi-origin only) and the CloudFront resource.
func (s *Service) provisionAndCreate(ctx context.Context, d *models.Distribution, req CreateDistributionRequest) (cdn.Distribution, error) {
	callerRef := cdn.CallerReference(req.Name)

	if !req.MultiOrigin {
		cfg := cdn.BuildConfig(req.Name, req.Config, callerRef, s.cachePolicyID)
		created, err := s.cdn.Create(ctx, cfg)
		if err != nil {
			return cdn.Distribution{}, &ExternalError{Step: "create distribution", Err: err}
		}
		return created, nil
	}

	defaultOrigin, err := s.store.GetOrigin(ctx, req.DefaultOriginID)
	if err != nil {
		return cdn.Distribution{}, &NotFoundError{Kind: "origin", ID: req.DefaultOriginID}
	}
	additional := make([]models.Origin, 0, len(req.AdditionalOriginIDs))
	for _, id := range req.AdditionalOriginIDs {
		o, err := s.store.GetOrigin(ctx, id)
		if err != nil {
			return cdn.Distribution{}, &NotFoundError{Kind: "origin", ID: id}
		}
		additional = append(additional, o)
	}

	generated, err := edgefn.Generate(req.Preset, defaultOrigin, additional)
	if err != nil {
		return cdn.Distribution{}, err
	}
	artifact, err := edgefn.Package(generated.Code)
	if err != nil {
		return cdn.Distribution{}, fmt.Errorf("package routing function: %w", err)
	}

	oaiID, err := s.cdn.CreateAccessIdentity(ctx, callerRef, "Access identity for "+req.Name)
	if err != nil {
		return cdn.Distribution{}, &ExternalError{Step: "create access identity", Err: err}
	}
	d.AccessIdentityID = oaiID

	functionName := "edge-router-" + d.ID
	provisioned, err := s.provisioner.Provision(ctx, functionName, artifact)
	if err != nil {
		return cdn.Distribution{}, &ExternalError{Step: "provision edge function", Err: err}
	}

	fn := models.EdgeFunction{
		ID:             uuid.NewString(),
		Name:           provisioned.FunctionName,
		ARN:            provisioned.ARN,
		VersionARN:     provisioned.VersionARN,
		Preset:         req.Preset,
		Code:           generated.Code,
		RegionMapping:  generated.Mapping,
		OriginIDs:      append([]string{req.DefaultOriginID}, req.AdditionalOriginIDs...),
		DistributionID: d.ID,
		CreatedBy:      req.Actor,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.store.PutEdgeFunction(ctx, fn); err != nil {
		return cdn.Distribution{}, fmt.Errorf("persist edge function record: %w", err)
	}
	d.EdgeFunctionID = fn.ID

	if s.archiver != nil {
		if _, err := s.archiver.ArchiveSource(ctx, fn.ID, generated.Code); err != nil {
			log.Printf("[service] archive routing source for %s: %v", fn.ID, err)
		}
	}

	origins := append([]models.Origin{defaultOrigin}, additional...)
	cfg := cdn.BuildMultiOriginConfig(req.Name, req.Config, origins, req.DefaultOriginID, oaiID, provisioned.VersionARN, callerRef, s.cachePolicyID)
	created, err := s.cdn.Create(ctx, cfg)
	if err != nil {
		return cdn.Distribution{}, &ExternalError{Step: "create distribution", Err: err}
	}
	return created, nil
}

// referencedOrigins resolves the origin records a create request grants
// access to. Single-origin configs may reference buckets the store does not
// manage; those get no reconciliation.
func (s *Service) referencedOrigins(ctx context.Context, req CreateDistributionRequest) []string {
	if req.MultiOrigin {
		return append([]string{req.DefaultOriginID}, req.AdditionalOriginIDs...)
	}
	var ids []string
	for _, o := range req.Config.Origins {
		if _, err := s.store.GetOrigin(ctx, o.ID); err == nil {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// DeleteResult reports a delete that made forward progress: Failed lists
// the non-blocking sub-steps that did not complete.
type DeleteResult struct {
	DistributionID string   `json:"distributionId"`
	Failed         []string `json:"failedSteps,omitempty"`
}

// DeleteDistribution runs the delete workflow. Policy and edge function
// cleanup failures are collected rather than aborting: deletion must make
// forward progress, and the disable-then-delete tail always runs.
func (s *Service) DeleteDistribution(ctx context.Context, id, actor string) (DeleteResult, error) {
	d, err := s.store.GetDistribution(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return DeleteResult{}, &NotFoundError{Kind: "distribution", ID: id}
		}
		return DeleteResult{}, fmt.Errorf("load record: %w", err)
	}
	result := DeleteResult{DistributionID: id}
	previous := d.Status

	// Mark the record Deleting before any teardown step so an in-flight
	// teardown is observable and the sweeper leaves the record alone.
	d.Status = models.StatusDeleting
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateDistribution(ctx, d); err != nil {
		log.Printf("[service] mark %s deleting: %v", id, err)
	}

	var current cdn.Distribution
	haveResource := d.CloudFrontID != ""
	if haveResource {
		current, err = s.cdn.Get(ctx, d.CloudFrontID)
		if err != nil {
			if cdn.IsNotFound(err) {
				haveResource = false
			} else {
				return result, &ExternalError{Step: "get distribution config", Err: err}
			}
		}
	}

	s.revokeAccess(ctx, d, &result)
	s.deleteEdgeFunction(ctx, d, &result)

	if haveResource {
		if current.Config != nil && current.Config.Enabled != nil && *current.Config.Enabled {
			current.Config.Enabled = boolPtr(false)
			disabled, err := s.cdn.Update(ctx, d.CloudFrontID, current.ETag, current.Config)
			if err != nil {
				return result, &ExternalError{Step: "disable distribution", Err: err}
			}
			current.ETag = disabled.ETag
		}
		if err := s.cdn.Delete(ctx, d.CloudFrontID, current.ETag); err != nil && !cdn.IsNotFound(err) {
			return result, &ExternalError{Step: "delete distribution", Err: err}
		}
	}

	if err := s.store.DeleteDistribution(ctx, id); err != nil && err != store.ErrNotFound {
		return result, fmt.Errorf("delete record: %w", err)
	}

	if err := s.recorder.Record(ctx, models.HistoryEntry{
		DistributionID: id,
		Action:         models.ActionDelete,
		Actor:          actor,
		PreviousStatus: previous,
	}); err != nil {
		log.Printf("[service] record delete history for %s: %v", id, err)
	}
	return result, nil
}

// revokeAccess removes the distribution's ARN from every origin that
// references it, and for the legacy access-identity model strips the
// identity's principal from each bucket policy.
func (s *Service) revokeAccess(ctx context.Context, d models.Distribution, result *DeleteResult) {
	if d.ARN == "" {
		return
	}
	origins, err := s.store.ListOrigins(ctx)
	if err != nil {
		log.Printf("[service] list origins during delete of %s: %v", d.ID, err)
		result.Failed = append(result.Failed, "revoke origin access")
		return
	}
	for _, o := range origins {
		if !containsARN(o.DistributionARNs, d.ARN) {
			continue
		}
		if err := s.reconciler.Reconcile(ctx, o.ID, policy.Delta{Remove: d.ARN}); err != nil {
			log.Printf("[service] revoke access on origin %s for %s: %v", o.ID, d.ID, err)
			result.Failed = append(result.Failed, "revoke access: origin "+o.ID)
		}
		if d.AccessIdentityID != "" {
			if err := s.reconciler.StripAccessIdentity(ctx, o.Region, o.BucketName, d.AccessIdentityID); err != nil {
				log.Printf("[service] strip access identity from %s for %s: %v", o.BucketName, d.ID, err)
				result.Failed = append(result.Failed, "strip access identity: bucket "+o.BucketName)
			}
		}
	}
}

func (s *Service) deleteEdgeFunction(ctx context.Context, d models.Distribution, result *DeleteResult) {
	if d.EdgeFunctionID == "" {
		return
	}
	fn, err := s.store.GetEdgeFunction(ctx, d.EdgeFunctionID)
	if err != nil {
		if err != store.ErrNotFound {
			log.Printf("[service] load edge function %s: %v", d.EdgeFunctionID, err)
			result.Failed = append(result.Failed, "delete edge function")
		}
		return
	}
	if err := s.provisioner.Delete(ctx, fn.Name); err != nil {
		log.Printf("[service] delete edge function %s: %v", fn.Name, err)
		result.Failed = append(result.Failed, "delete edge function")
		return
	}
	if err := s.store.DeleteEdgeFunction(ctx, fn.ID); err != nil && err != store.ErrNotFound {
		log.Printf("[service] delete edge function record %s: %v", fn.ID, err)
		result.Failed = append(result.Failed, "delete edge function record")
	}
}

func (s *Service) GetDistribution(ctx context.Context, id string) (models.Distribution, error) {
	d, err := s.store.GetDistribution(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return models.Distribution{}, &NotFoundError{Kind: "distribution", ID: id}
		}
		return models.Distribution{}, err
	}
	return d, nil
}

func (s *Service) ListDistributions(ctx context.Context) ([]models.Distribution, error) {
	return s.store.ListDistributions(ctx)
}

// DistributionStatus pairs the stored record with the status CloudFront
// reports right now.
type DistributionStatus struct {
	Record     models.Distribution `json:"record"`
	LiveStatus string              `json:"liveStatus,omitempty"`
	DomainName string              `json:"domainName,omitempty"`
}

func (s *Service) GetDistributionStatus(ctx context.Context, id string) (DistributionStatus, error) {
	d, err := s.GetDistribution(ctx, id)
	if err != nil {
		return DistributionStatus{}, err
	}
	out := DistributionStatus{Record: d}
	if d.CloudFrontID == "" {
		return out, nil
	}
	live, err := s.cdn.Get(ctx, d.CloudFrontID)
	if err != nil {
		if cdn.IsNotFound(err) {
			return out, nil
		}
		return out, &ExternalError{Step: "get distribution", Err: err}
	}
	out.LiveStatus = live.Status
	out.DomainName = live.DomainName
	return out, nil
}

// CreateInvalidation submits a cache invalidation for the given paths and
// records it in history.
func (s *Service) CreateInvalidation(ctx context.Context, id string, paths []string, actor string) (string, error) {
	if len(paths) == 0 {
		return "", &ValidationError{Msg: "at least one path is required"}
	}
	d, err := s.GetDistribution(ctx, id)
	if err != nil {
		return "", err
	}
	if d.CloudFrontID == "" {
		return "", &ValidationError{Msg: "distribution has no deployed resource to invalidate"}
	}
	invalidationID, err := s.cdn.Invalidate(ctx, d.CloudFrontID, paths, cdn.CallerReference(d.Name))
	if err != nil {
		return "", &ExternalError{Step: "create invalidation", Err: err}
	}

	details, _ := json.Marshal(map[string]any{"invalidationId": invalidationID, "paths": paths})
	if err := s.recorder.Record(ctx, models.HistoryEntry{
		DistributionID: id,
		Action:         models.ActionInvalidate,
		Actor:          actor,
		Details:        details,
	}); err != nil {
		log.Printf("[service] record invalidation history for %s: %v", id, err)
	}
	return invalidationID, nil
}

func (s *Service) ListHistory(ctx context.Context, distributionID string) ([]models.HistoryEntry, error) {
	return s.store.ListHistory(ctx, distributionID)
}

func containsARN(arns []string, arn string) bool {
	for _, a := range arns {
		if a == arn {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }
