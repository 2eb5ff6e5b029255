package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
	"github.com/edgeforge/cdn-orchestrator/internal/store"
)

// S3API is the subset of the S3 client the reconciler uses. Satisfied by
// *s3.Client; faked in tests.
type S3API interface {
	GetBucketPolicy(ctx context.Context, in *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	PutBucketPolicy(ctx context.Context, in *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	DeleteBucketPolicy(ctx context.Context, in *s3.DeleteBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketPolicyOutput, error)
}

// ClientFactory returns an S3 client scoped to a bucket's home region.
// Bucket policy calls must go to the owning region.
type ClientFactory func(region string) S3API

// Delta is a single membership change against one origin.
type Delta struct {
	Add    string
	Remove string
}

// ReconcileError wraps a reconciliation failure. Non-fatal to the calling
// workflow: access stays stale until the next reconciliation.
type ReconcileError struct {
	OriginID string
	Err      error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile origin %s: %v", e.OriginID, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// Reconciler derives each origin bucket's policy from its membership set.
// Reconciliations of the same origin are serialized: the membership write is
// a conditional (versioned) update and a per-origin lock keeps the local
// read-modify-write of the policy document from interleaving.
type Reconciler struct {
	store   store.Store
	clients ClientFactory

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	maxRetries int
}

func NewReconciler(st store.Store, clients ClientFactory) *Reconciler {
	return &Reconciler{
		store:      st,
		clients:    clients,
		locks:      map[string]*sync.Mutex{},
		maxRetries: 3,
	}
}

func (r *Reconciler) originLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Reconcile applies a membership delta to an origin and rewrites the bucket
// policy from the resulting set. A lost conditional write is retried from a
// fresh read; last-write-wins would silently drop another distribution's
// grant.
func (r *Reconciler) Reconcile(ctx context.Context, originID string, delta Delta) error {
	lock := r.originLock(originID)
	lock.Lock()
	defer lock.Unlock()

	var origin models.Origin
	var arns []string
	for attempt := 0; ; attempt++ {
		var err error
		origin, err = r.store.GetOrigin(ctx, originID)
		if err != nil {
			return &ReconcileError{OriginID: originID, Err: err}
		}
		arns = applyDelta(origin.DistributionARNs, delta)
		err = r.store.UpdateOriginARNs(ctx, originID, arns, origin.Version)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt < r.maxRetries {
			log.Printf("[policy] membership conflict on origin %s, retrying", originID)
			continue
		}
		return &ReconcileError{OriginID: originID, Err: err}
	}

	if err := r.applyBucketPolicy(ctx, origin, arns); err != nil {
		return &ReconcileError{OriginID: originID, Err: err}
	}
	return nil
}

func applyDelta(current []string, delta Delta) []string {
	set := map[string]struct{}{}
	for _, a := range current {
		set[a] = struct{}{}
	}
	if delta.Add != "" {
		set[delta.Add] = struct{}{}
	}
	if delta.Remove != "" {
		delete(set, delta.Remove)
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// applyBucketPolicy rewrites the statements this reconciler owns and keeps
// every other statement as found. The CDN-scoped statement exists iff the
// membership set is non-empty; the anonymous-read statement exists iff the
// origin hosts a website.
func (r *Reconciler) applyBucketPolicy(ctx context.Context, origin models.Origin, arns []string) error {
	client := r.clients(origin.Region)
	doc, err := r.fetchPolicy(ctx, client, origin.BucketName)
	if err != nil {
		return err
	}

	var kept []Statement
	for _, st := range doc.Statement {
		if st.Sid == SidCloudFrontService || st.Sid == SidPublicRead {
			continue
		}
		kept = append(kept, st)
	}
	if len(arns) > 0 {
		kept = append(kept, CloudFrontStatement(origin.BucketName, arns))
	}
	if origin.WebsiteEnabled {
		kept = append(kept, PublicReadStatement(origin.BucketName))
	}

	return r.putPolicy(ctx, client, origin.BucketName, kept)
}

// GrantAccessIdentity adds a legacy access identity's principal to the
// bucket's consolidated identity statement, creating the statement if it
// does not exist. Existing identity principals are merged, not replaced.
// Used by the multi-origin create workflow, which fronts every origin
// bucket with a shared identity.
func (r *Reconciler) GrantAccessIdentity(ctx context.Context, region, bucketName, identityID string) error {
	client := r.clients(region)
	doc, err := r.fetchPolicy(ctx, client, bucketName)
	if err != nil {
		return err
	}

	principals := map[string]struct{}{AccessIdentityPrincipal(identityID): {}}
	var kept []Statement
	for _, st := range doc.Statement {
		if st.Sid != SidAccessIdentities {
			kept = append(kept, st)
			continue
		}
		if st.Principal != nil {
			for _, p := range st.Principal.AWS {
				principals[p] = struct{}{}
			}
		}
	}
	merged := make([]string, 0, len(principals))
	for p := range principals {
		merged = append(merged, p)
	}
	kept = append(kept, AccessIdentityStatement(bucketName, merged))

	return r.putPolicy(ctx, client, bucketName, kept)
}

// StripAccessIdentity removes a legacy access identity's principal from
// every statement of the bucket policy, dropping statements left with no
// principals. Used by the delete workflow for distributions on the OAI
// model.
func (r *Reconciler) StripAccessIdentity(ctx context.Context, region, bucketName, identityID string) error {
	client := r.clients(region)
	doc, err := r.fetchPolicy(ctx, client, bucketName)
	if err != nil {
		return err
	}

	principal := AccessIdentityPrincipal(identityID)
	var kept []Statement
	for _, st := range doc.Statement {
		if st.Principal == nil || len(st.Principal.AWS) == 0 {
			kept = append(kept, st)
			continue
		}
		var remaining StringOrSlice
		for _, p := range st.Principal.AWS {
			if p != principal {
				remaining = append(remaining, p)
			}
		}
		if len(remaining) == 0 && len(st.Principal.Service) == 0 && !st.Principal.All {
			continue
		}
		st.Principal = &Principal{All: st.Principal.All, AWS: remaining, Service: st.Principal.Service}
		kept = append(kept, st)
	}

	return r.putPolicy(ctx, client, bucketName, kept)
}

// fetchPolicy treats a missing policy as an empty one.
func (r *Reconciler) fetchPolicy(ctx context.Context, client S3API, bucketName string) (Document, error) {
	out, err := client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucketName)})
	if err != nil {
		if isNoSuchBucketPolicy(err) {
			return Document{Version: policyVersion}, nil
		}
		return Document{}, fmt.Errorf("get bucket policy %s: %w", bucketName, err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(aws.ToString(out.Policy)), &doc); err != nil {
		return Document{}, fmt.Errorf("parse bucket policy %s: %w", bucketName, err)
	}
	return doc, nil
}

// putPolicy writes the statements, or deletes the policy outright when none
// remain since S3 rejects an empty statement list.
func (r *Reconciler) putPolicy(ctx context.Context, client S3API, bucketName string, statements []Statement) error {
	if len(statements) == 0 {
		_, err := client.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{Bucket: aws.String(bucketName)})
		if err != nil && !isNoSuchBucketPolicy(err) {
			return fmt.Errorf("delete bucket policy %s: %w", bucketName, err)
		}
		return nil
	}
	raw, err := json.Marshal(Document{Version: policyVersion, Statement: statements})
	if err != nil {
		return fmt.Errorf("marshal bucket policy: %w", err)
	}
	_, err = client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucketName),
		Policy: aws.String(string(raw)),
	})
	if err != nil {
		return fmt.Errorf("put bucket policy %s: %w", bucketName, err)
	}
	return nil
}

func isNoSuchBucketPolicy(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucketPolicy"
}
