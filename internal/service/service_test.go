package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/edgeforge/cdn-orchestrator/internal/cdn"
	"github.com/edgeforge/cdn-orchestrator/internal/edgefn"
	"github.com/edgeforge/cdn-orchestrator/internal/history"
	"github.com/edgeforge/cdn-orchestrator/internal/models"
	"github.com/edgeforge/cdn-orchestrator/internal/policy"
	"github.com/edgeforge/cdn-orchestrator/internal/store"
)

// fakeCloudFront keeps one distribution's control-plane state and enforces
// the concurrency token on mutations the way the real API does.
type fakeCloudFront struct {
	nextID    int
	dists     map[string]*cfState
	creates   int
	deletes   int
	oais      int
	oacs      int
	deleteErr error
}

type cfState struct {
	id     string
	arn    string
	status string
	etag   int
	config *cftypes.DistributionConfig
}

func newFakeCloudFront() *fakeCloudFront {
	return &fakeCloudFront{dists: map[string]*cfState{}}
}

func (f *fakeCloudFront) CreateDistribution(ctx context.Context, in *cloudfront.CreateDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error) {
	f.creates++
	f.nextID++
	id := fmt.Sprintf("E%03d", f.nextID)
	st := &cfState{
		id:     id,
		arn:    "arn:aws:cloudfront::123456789012:distribution/" + id,
		status: "InProgress",
		etag:   1,
		config: in.DistributionConfig,
	}
	f.dists[id] = st
	return &cloudfront.CreateDistributionOutput{
		Distribution: st.toSDK(),
		ETag:         aws.String(st.etagString()),
	}, nil
}

func (f *fakeCloudFront) GetDistribution(ctx context.Context, in *cloudfront.GetDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error) {
	st, ok := f.dists[aws.ToString(in.Id)]
	if !ok {
		return nil, &cftypes.NoSuchDistribution{}
	}
	return &cloudfront.GetDistributionOutput{
		Distribution: st.toSDK(),
		ETag:         aws.String(st.etagString()),
	}, nil
}

func (f *fakeCloudFront) UpdateDistribution(ctx context.Context, in *cloudfront.UpdateDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error) {
	st, ok := f.dists[aws.ToString(in.Id)]
	if !ok {
		return nil, &cftypes.NoSuchDistribution{}
	}
	if aws.ToString(in.IfMatch) != st.etagString() {
		return nil, fmt.Errorf("precondition failed: stale etag")
	}
	st.config = in.DistributionConfig
	st.etag++
	return &cloudfront.UpdateDistributionOutput{
		Distribution: st.toSDK(),
		ETag:         aws.String(st.etagString()),
	}, nil
}

func (f *fakeCloudFront) DeleteDistribution(ctx context.Context, in *cloudfront.DeleteDistributionInput, _ ...func(*cloudfront.Options)) (*cloudfront.DeleteDistributionOutput, error) {
	st, ok := f.dists[aws.ToString(in.Id)]
	if !ok {
		return nil, &cftypes.NoSuchDistribution{}
	}
	if aws.ToString(in.IfMatch) != st.etagString() {
		return nil, fmt.Errorf("precondition failed: stale etag")
	}
	if st.config != nil && st.config.Enabled != nil && *st.config.Enabled {
		return nil, fmt.Errorf("distribution is still enabled")
	}
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deletes++
	delete(f.dists, st.id)
	return &cloudfront.DeleteDistributionOutput{}, nil
}

func (f *fakeCloudFront) CreateCloudFrontOriginAccessIdentity(ctx context.Context, in *cloudfront.CreateCloudFrontOriginAccessIdentityInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateCloudFrontOriginAccessIdentityOutput, error) {
	f.oais++
	return &cloudfront.CreateCloudFrontOriginAccessIdentityOutput{
		CloudFrontOriginAccessIdentity: &cftypes.CloudFrontOriginAccessIdentity{
			Id: aws.String(fmt.Sprintf("EOAI%d", f.oais)),
		},
	}, nil
}

func (f *fakeCloudFront) CreateOriginAccessControl(ctx context.Context, in *cloudfront.CreateOriginAccessControlInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateOriginAccessControlOutput, error) {
	f.oacs++
	return &cloudfront.CreateOriginAccessControlOutput{
		OriginAccessControl: &cftypes.OriginAccessControl{
			Id: aws.String(fmt.Sprintf("EOAC%d", f.oacs)),
		},
	}, nil
}

func (f *fakeCloudFront) CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error) {
	return &cloudfront.CreateInvalidationOutput{
		Invalidation: &cftypes.Invalidation{Id: aws.String("I1")},
	}, nil
}

func (st *cfState) etagString() string { return fmt.Sprintf("etag-%d", st.etag) }

func (st *cfState) toSDK() *cftypes.Distribution {
	return &cftypes.Distribution{
		Id:                 aws.String(st.id),
		ARN:                aws.String(st.arn),
		DomainName:         aws.String(st.id + ".cloudfront.net"),
		Status:             aws.String(st.status),
		DistributionConfig: st.config,
	}
}

type fakeLambda struct {
	creates int
	deletes int
}

func (f *fakeLambda) CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	f.creates++
	name := aws.ToString(in.FunctionName)
	return &lambda.CreateFunctionOutput{
		FunctionArn: aws.String("arn:aws:lambda:us-east-1:123456789012:function:" + name),
		Version:     aws.String("1"),
	}, nil
}

func (f *fakeLambda) GetFunction(ctx context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	return &lambda.GetFunctionOutput{
		Configuration: &lambdatypes.FunctionConfiguration{State: lambdatypes.StateActive},
	}, nil
}

func (f *fakeLambda) AddPermission(ctx context.Context, in *lambda.AddPermissionInput, _ ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	return &lambda.AddPermissionOutput{}, nil
}

func (f *fakeLambda) DeleteFunction(ctx context.Context, in *lambda.DeleteFunctionInput, _ ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error) {
	f.deletes++
	return &lambda.DeleteFunctionOutput{}, nil
}

type fakeS3 struct {
	policies map[string]string
}

func newFakeS3() *fakeS3 { return &fakeS3{policies: map[string]string{}} }

func (f *fakeS3) GetBucketPolicy(ctx context.Context, in *s3.GetBucketPolicyInput, _ ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	p, ok := f.policies[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchBucketPolicy"}
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(p)}, nil
}

func (f *fakeS3) PutBucketPolicy(ctx context.Context, in *s3.PutBucketPolicyInput, _ ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	f.policies[aws.ToString(in.Bucket)] = aws.ToString(in.Policy)
	return &s3.PutBucketPolicyOutput{}, nil
}

func (f *fakeS3) DeleteBucketPolicy(ctx context.Context, in *s3.DeleteBucketPolicyInput, _ ...func(*s3.Options)) (*s3.DeleteBucketPolicyOutput, error) {
	delete(f.policies, aws.ToString(in.Bucket))
	return &s3.DeleteBucketPolicyOutput{}, nil
}

func (f *fakeS3) PutBucketWebsite(ctx context.Context, in *s3.PutBucketWebsiteInput, _ ...func(*s3.Options)) (*s3.PutBucketWebsiteOutput, error) {
	return &s3.PutBucketWebsiteOutput{}, nil
}

func (f *fakeS3) DeleteBucketWebsite(ctx context.Context, in *s3.DeleteBucketWebsiteInput, _ ...func(*s3.Options)) (*s3.DeleteBucketWebsiteOutput, error) {
	return &s3.DeleteBucketWebsiteOutput{}, nil
}

func (f *fakeS3) PutBucketCors(ctx context.Context, in *s3.PutBucketCorsInput, _ ...func(*s3.Options)) (*s3.PutBucketCorsOutput, error) {
	return &s3.PutBucketCorsOutput{}, nil
}

type harness struct {
	svc    *Service
	store  store.Store
	cf     *fakeCloudFront
	lambda *fakeLambda
	s3     *fakeS3
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	cf := newFakeCloudFront()
	lam := &fakeLambda{}
	s3c := newFakeS3()

	prov := edgefn.NewProvisioner(lam, "arn:aws:iam::123456789012:role/edge-exec")
	rec := policy.NewReconciler(st, func(string) policy.S3API { return s3c })
	recorder := history.NewRecorder(st, nil)
	buckets := BucketClientFactory(func(string) BucketAPI { return s3c })

	svc := New(st, cdn.NewClient(cf), prov, rec, recorder, buckets, nil, "")
	return &harness{svc: svc, store: st, cf: cf, lambda: lam, s3: s3c}
}

func (h *harness) seedOrigin(t *testing.T, id, bucket, region string) models.Origin {
	t.Helper()
	o := models.Origin{
		ID:         id,
		Name:       id,
		BucketName: bucket,
		Region:     region,
		Version:    1,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.CreateOrigin(context.Background(), o); err != nil {
		t.Fatalf("seed origin %s: %v", id, err)
	}
	return o
}

func singleOriginConfig(originID string) models.DistributionConfig {
	return models.DistributionConfig{
		Enabled: true,
		Origins: []models.ConfigOrigin{{
			ID:         originID,
			DomainName: originID + ".s3.us-east-1.amazonaws.com",
		}},
		DefaultCacheBehavior: &models.CacheBehavior{TargetOriginID: originID},
	}
}

func TestCreateRejectsUnknownBehaviorTarget(t *testing.T) {
	h := newHarness(t)
	cfg := singleOriginConfig("o1")
	cfg.DefaultCacheBehavior.TargetOriginID = "nope"

	_, err := h.svc.CreateDistribution(context.Background(), CreateDistributionRequest{
		Name:   "site",
		Config: cfg,
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if h.cf.creates != 0 || h.lambda.creates != 0 {
		t.Fatalf("validation failure must not reach external services")
	}
	ds, _ := h.store.ListDistributions(context.Background())
	if len(ds) != 0 {
		t.Fatalf("validation failure must not persist a record")
	}
}

func TestCreateSingleOriginDistribution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrigin(t, "o1", "o1", "us-east-1")

	d, err := h.svc.CreateDistribution(ctx, CreateDistributionRequest{
		Name:   "site",
		Config: singleOriginConfig("o1"),
		Actor:  "ops@example.com",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != models.StatusInProgress || d.CloudFrontID == "" || d.ARN == "" {
		t.Fatalf("record not updated after create: %+v", d)
	}
	if h.lambda.creates != 0 {
		t.Fatalf("single-origin create must not provision an edge function")
	}

	o, err := h.store.GetOrigin(ctx, "o1")
	if err != nil {
		t.Fatalf("get origin: %v", err)
	}
	if len(o.DistributionARNs) != 1 || o.DistributionARNs[0] != d.ARN {
		t.Fatalf("membership = %v, want [%s]", o.DistributionARNs, d.ARN)
	}
	if _, ok := h.s3.policies["o1"]; !ok {
		t.Fatalf("bucket policy was not written")
	}

	entries, _ := h.store.ListHistory(ctx, d.ID)
	if len(entries) != 1 || entries[0].Action != models.ActionCreate {
		t.Fatalf("expected one create history entry, got %v", entries)
	}
}

func TestCreateMultiOriginProvisionsEdgeFunction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrigin(t, "us", "us-bucket", "us-east-1")
	h.seedOrigin(t, "asia", "asia-bucket", "ap-northeast-1")

	d, err := h.svc.CreateDistribution(ctx, CreateDistributionRequest{
		Name:                "global-site",
		MultiOrigin:         true,
		Preset:              edgefn.PresetAsiaUS,
		DefaultOriginID:     "us",
		AdditionalOriginIDs: []string{"asia"},
		Actor:               "ops@example.com",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !d.IsMultiOrigin || d.EdgeFunctionID == "" || d.AccessIdentityID == "" {
		t.Fatalf("multi-origin fields missing: %+v", d)
	}
	if h.lambda.creates != 1 {
		t.Fatalf("expected one function deployment, got %d", h.lambda.creates)
	}

	fn, err := h.store.GetEdgeFunction(ctx, d.EdgeFunctionID)
	if err != nil {
		t.Fatalf("get edge function record: %v", err)
	}
	if fn.VersionARN == fn.ARN || fn.VersionARN == "" {
		t.Fatalf("edge function reference must be version-pinned: %q", fn.VersionARN)
	}

	// Both buckets must now grant the new distribution.
	for _, id := range []string{"us", "asia"} {
		o, _ := h.store.GetOrigin(ctx, id)
		if len(o.DistributionARNs) != 1 || o.DistributionARNs[0] != d.ARN {
			t.Fatalf("origin %s membership = %v", id, o.DistributionARNs)
		}
	}
}

func TestCreateMultiOriginInsufficientOrigins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrigin(t, "us", "us-bucket", "us-east-1")

	_, err := h.svc.CreateDistribution(ctx, CreateDistributionRequest{
		Name:            "short-site",
		MultiOrigin:     true,
		Preset:          edgefn.PresetAsiaUS,
		DefaultOriginID: "us",
	})
	var ce *edgefn.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if h.lambda.creates != 0 || h.cf.creates != 0 {
		t.Fatalf("configuration failure must not create external resources")
	}

	// The pre-persisted record carries the failure.
	ds, _ := h.store.ListDistributions(ctx)
	if len(ds) != 1 || ds[0].Status != models.StatusFailed || ds[0].LastError == "" {
		t.Fatalf("expected a Failed record with the error attached, got %+v", ds)
	}
}

func TestDeleteUnknownDistribution(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.DeleteDistribution(context.Background(), "never-created", "ops@example.com")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if h.cf.deletes != 0 || h.lambda.deletes != 0 {
		t.Fatalf("deleting an unknown id must cause no external calls")
	}
}

func TestDeleteDistributionFullWorkflow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrigin(t, "us", "us-bucket", "us-east-1")
	h.seedOrigin(t, "asia", "asia-bucket", "ap-northeast-1")

	d, err := h.svc.CreateDistribution(ctx, CreateDistributionRequest{
		Name:                "global-site",
		MultiOrigin:         true,
		Preset:              edgefn.PresetAsiaUS,
		DefaultOriginID:     "us",
		AdditionalOriginIDs: []string{"asia"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := h.svc.DeleteDistribution(ctx, d.ID, "ops@example.com")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("unexpected failed sub-steps: %v", result.Failed)
	}
	if h.cf.deletes != 1 {
		t.Fatalf("distribution resource not deleted")
	}
	if h.lambda.deletes != 1 {
		t.Fatalf("edge function not deleted")
	}
	if _, err := h.store.GetDistribution(ctx, d.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record should be gone, got %v", err)
	}

	// Sole reference removed: the membership statement is gone.
	for _, id := range []string{"us", "asia"} {
		o, _ := h.store.GetOrigin(ctx, id)
		if len(o.DistributionARNs) != 0 {
			t.Fatalf("origin %s still references the distribution: %v", id, o.DistributionARNs)
		}
	}
}

func identityPrincipals(t *testing.T, h *harness, bucket string) []string {
	t.Helper()
	raw, ok := h.s3.policies[bucket]
	if !ok {
		return nil
	}
	var doc policy.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("parse policy for %s: %v", bucket, err)
	}
	for _, st := range doc.Statement {
		if st.Sid == policy.SidAccessIdentities && st.Principal != nil {
			return []string(st.Principal.AWS)
		}
	}
	return nil
}

func TestMultiOriginCreateGrantsAccessIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrigin(t, "us", "us-bucket", "us-east-1")
	h.seedOrigin(t, "asia", "asia-bucket", "ap-northeast-1")

	d, err := h.svc.CreateDistribution(ctx, CreateDistributionRequest{
		Name:                "global-site",
		MultiOrigin:         true,
		Preset:              edgefn.PresetAsiaUS,
		DefaultOriginID:     "us",
		AdditionalOriginIDs: []string{"asia"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.AccessIdentityID == "" {
		t.Fatalf("multi-origin create must allocate an access identity")
	}

	// Every referenced bucket grants the shared identity, not just the
	// distribution membership.
	want := policy.AccessIdentityPrincipal(d.AccessIdentityID)
	for _, bucket := range []string{"us-bucket", "asia-bucket"} {
		ps := identityPrincipals(t, h, bucket)
		if len(ps) != 1 || ps[0] != want {
			t.Fatalf("bucket %s identity principals = %v, want [%s]", bucket, ps, want)
		}
	}

	if _, err := h.svc.DeleteDistribution(ctx, d.ID, "ops@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, bucket := range []string{"us-bucket", "asia-bucket"} {
		if ps := identityPrincipals(t, h, bucket); len(ps) != 0 {
			t.Fatalf("bucket %s still grants the identity after delete: %v", bucket, ps)
		}
	}
}

func TestDeleteFailureLeavesRecordDeleting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrigin(t, "o1", "o1", "us-east-1")

	d, err := h.svc.CreateDistribution(ctx, CreateDistributionRequest{
		Name:   "site",
		Config: singleOriginConfig("o1"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h.cf.deleteErr = fmt.Errorf("throttled")
	if _, err := h.svc.DeleteDistribution(ctx, d.ID, "ops@example.com"); err == nil {
		t.Fatalf("expected the teardown tail to fail")
	}

	got, err := h.store.GetDistribution(ctx, d.ID)
	if err != nil {
		t.Fatalf("record must survive a failed teardown: %v", err)
	}
	if got.Status != models.StatusDeleting {
		t.Fatalf("status = %s, want %s", got.Status, models.StatusDeleting)
	}
	if got.Version <= d.Version {
		t.Fatalf("version = %d, want a bump past %d", got.Version, d.Version)
	}

	// A retry after the transient failure finishes the teardown.
	h.cf.deleteErr = nil
	if _, err := h.svc.DeleteDistribution(ctx, d.ID, "ops@example.com"); err != nil {
		t.Fatalf("retry delete: %v", err)
	}
	if _, err := h.store.GetDistribution(ctx, d.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record should be gone after retry, got %v", err)
	}
}

func TestDeletePreservesWebsiteStatement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.seedOrigin(t, "o1", "o1", "us-east-1")
	o.WebsiteEnabled = true
	if err := h.store.UpdateOrigin(ctx, o); err != nil {
		t.Fatalf("enable website: %v", err)
	}

	d, err := h.svc.CreateDistribution(ctx, CreateDistributionRequest{
		Name:   "site",
		Config: singleOriginConfig("o1"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.DeleteDistribution(ctx, d.ID, "ops@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	raw, ok := h.s3.policies["o1"]
	if !ok {
		t.Fatalf("policy deleted wholesale; anonymous-read statement lost")
	}
	var doc policy.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	if doc.HasStatement(policy.SidCloudFrontService) {
		t.Fatalf("membership statement should be gone after delete")
	}
	if !doc.HasStatement(policy.SidPublicRead) {
		t.Fatalf("anonymous-read statement must survive the delete")
	}
}

func TestCreateInvalidationRecordsHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrigin(t, "o1", "o1", "us-east-1")
	d, err := h.svc.CreateDistribution(ctx, CreateDistributionRequest{
		Name:   "site",
		Config: singleOriginConfig("o1"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	id, err := h.svc.CreateInvalidation(ctx, d.ID, []string{"/*"}, "ops@example.com")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if id == "" {
		t.Fatalf("missing invalidation id")
	}
	entries, _ := h.store.ListHistory(ctx, d.ID)
	var found bool
	for _, e := range entries {
		if e.Action == models.ActionInvalidate {
			found = true
		}
	}
	if !found {
		t.Fatalf("no invalidation history entry: %v", entries)
	}
}

func TestDeleteOriginRefusedWhileReferenced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrigin(t, "o1", "o1", "us-east-1")
	if _, err := h.svc.CreateDistribution(ctx, CreateDistributionRequest{
		Name:   "site",
		Config: singleOriginConfig("o1"),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := h.svc.DeleteOrigin(ctx, "o1")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError while referenced, got %v", err)
	}
}
