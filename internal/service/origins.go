package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
	"github.com/edgeforge/cdn-orchestrator/internal/policy"
	"github.com/edgeforge/cdn-orchestrator/internal/store"
)

// BucketAPI is the subset of the S3 client origin management uses to apply
// website hosting and CORS configuration. Satisfied by *s3.Client.
type BucketAPI interface {
	PutBucketWebsite(ctx context.Context, in *s3.PutBucketWebsiteInput, optFns ...func(*s3.Options)) (*s3.PutBucketWebsiteOutput, error)
	DeleteBucketWebsite(ctx context.Context, in *s3.DeleteBucketWebsiteInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketWebsiteOutput, error)
	PutBucketCors(ctx context.Context, in *s3.PutBucketCorsInput, optFns ...func(*s3.Options)) (*s3.PutBucketCorsOutput, error)
}

// BucketClientFactory returns a bucket-configuration client for a region.
type BucketClientFactory func(region string) BucketAPI

// WebsiteConfig is the website-hosting sub-config stored on an origin.
type WebsiteConfig struct {
	IndexDocument string `json:"indexDocument"`
	ErrorDocument string `json:"errorDocument,omitempty"`
}

// CORSRule is one CORS rule in the origin's CORS sub-config.
type CORSRule struct {
	AllowedMethods []string `json:"allowedMethods"`
	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedHeaders []string `json:"allowedHeaders,omitempty"`
	MaxAgeSeconds  int32    `json:"maxAgeSeconds,omitempty"`
}

// CreateOriginRequest describes a new managed origin bucket.
type CreateOriginRequest struct {
	Name           string          `json:"name"`
	BucketName     string          `json:"bucketName"`
	Region         string          `json:"region"`
	WebsiteEnabled bool            `json:"websiteEnabled"`
	WebsiteConfig  json.RawMessage `json:"websiteConfig,omitempty"`
	CORSConfig     json.RawMessage `json:"corsConfig,omitempty"`

	Actor string `json:"-"`
}

// CreateOrigin registers a bucket as a managed origin: an origin access
// control is created for it, website and CORS configuration are applied,
// and the bucket policy is reconciled from its (empty) membership set so
// website origins get their anonymous-read statement immediately.
func (s *Service) CreateOrigin(ctx context.Context, req CreateOriginRequest) (models.Origin, error) {
	if req.Name == "" || req.BucketName == "" || req.Region == "" {
		return models.Origin{}, &ValidationError{Msg: "name, bucketName and region are required"}
	}

	oacID, err := s.cdn.CreateAccessControl(ctx, req.Name+"-oac", "Origin access control for "+req.BucketName)
	if err != nil {
		return models.Origin{}, &ExternalError{Step: "create origin access control", Err: err}
	}

	now := time.Now().UTC()
	o := models.Origin{
		ID:              uuid.NewString(),
		Name:            req.Name,
		BucketName:      req.BucketName,
		Region:          req.Region,
		AccessControlID: oacID,
		WebsiteEnabled:  req.WebsiteEnabled,
		WebsiteConfig:   req.WebsiteConfig,
		CORSConfig:      req.CORSConfig,
		Version:         1,
		CreatedBy:       req.Actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateOrigin(ctx, o); err != nil {
		return models.Origin{}, fmt.Errorf("persist origin record: %w", err)
	}

	if err := s.applyBucketConfig(ctx, o); err != nil {
		return o, err
	}
	if err := s.reconciler.Reconcile(ctx, o.ID, policy.Delta{}); err != nil {
		log.Printf("[service] initial policy for origin %s: %v", o.ID, err)
	}
	return o, nil
}

// UpdateOriginRequest carries the mutable origin fields.
type UpdateOriginRequest struct {
	WebsiteEnabled *bool           `json:"websiteEnabled,omitempty"`
	WebsiteConfig  json.RawMessage `json:"websiteConfig,omitempty"`
	CORSConfig     json.RawMessage `json:"corsConfig,omitempty"`
}

func (s *Service) UpdateOrigin(ctx context.Context, id string, req UpdateOriginRequest) (models.Origin, error) {
	o, err := s.store.GetOrigin(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return models.Origin{}, &NotFoundError{Kind: "origin", ID: id}
		}
		return models.Origin{}, err
	}
	if req.WebsiteEnabled != nil {
		o.WebsiteEnabled = *req.WebsiteEnabled
	}
	if req.WebsiteConfig != nil {
		o.WebsiteConfig = req.WebsiteConfig
	}
	if req.CORSConfig != nil {
		o.CORSConfig = req.CORSConfig
	}
	o.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateOrigin(ctx, o); err != nil {
		return models.Origin{}, fmt.Errorf("update origin record: %w", err)
	}

	if err := s.applyBucketConfig(ctx, o); err != nil {
		return o, err
	}
	// Re-derive the policy so the anonymous-read statement tracks the
	// website flag without touching the membership set.
	if err := s.reconciler.Reconcile(ctx, o.ID, policy.Delta{}); err != nil {
		log.Printf("[service] reapply policy for origin %s: %v", o.ID, err)
	}
	return o, nil
}

func (s *Service) GetOrigin(ctx context.Context, id string) (models.Origin, error) {
	o, err := s.store.GetOrigin(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return models.Origin{}, &NotFoundError{Kind: "origin", ID: id}
		}
		return models.Origin{}, err
	}
	return o, nil
}

func (s *Service) ListOrigins(ctx context.Context) ([]models.Origin, error) {
	return s.store.ListOrigins(ctx)
}

// DeleteOrigin removes an origin record. Refused while any distribution
// still references the bucket, since dropping the record would orphan the
// membership set behind its policy.
func (s *Service) DeleteOrigin(ctx context.Context, id string) error {
	o, err := s.store.GetOrigin(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFoundError{Kind: "origin", ID: id}
		}
		return err
	}
	if len(o.DistributionARNs) > 0 {
		return &ValidationError{Msg: fmt.Sprintf("origin %s is referenced by %d distribution(s)", id, len(o.DistributionARNs))}
	}
	return s.store.DeleteOrigin(ctx, id)
}

// applyBucketConfig pushes the origin's website and CORS sub-configs to the
// bucket in its home region.
func (s *Service) applyBucketConfig(ctx context.Context, o models.Origin) error {
	client := s.buckets(o.Region)

	if o.WebsiteEnabled {
		var cfg WebsiteConfig
		if len(o.WebsiteConfig) > 0 {
			if err := json.Unmarshal(o.WebsiteConfig, &cfg); err != nil {
				return &ValidationError{Msg: "invalid website config: " + err.Error()}
			}
		}
		if cfg.IndexDocument == "" {
			cfg.IndexDocument = "index.html"
		}
		website := &s3types.WebsiteConfiguration{
			IndexDocument: &s3types.IndexDocument{Suffix: aws.String(cfg.IndexDocument)},
		}
		if cfg.ErrorDocument != "" {
			website.ErrorDocument = &s3types.ErrorDocument{Key: aws.String(cfg.ErrorDocument)}
		}
		if _, err := client.PutBucketWebsite(ctx, &s3.PutBucketWebsiteInput{
			Bucket:               aws.String(o.BucketName),
			WebsiteConfiguration: website,
		}); err != nil {
			return &ExternalError{Step: "put bucket website", Err: err}
		}
	} else if len(o.WebsiteConfig) > 0 {
		if _, err := client.DeleteBucketWebsite(ctx, &s3.DeleteBucketWebsiteInput{
			Bucket: aws.String(o.BucketName),
		}); err != nil {
			log.Printf("[service] delete bucket website %s: %v", o.BucketName, err)
		}
	}

	if len(o.CORSConfig) > 0 {
		var rules []CORSRule
		if err := json.Unmarshal(o.CORSConfig, &rules); err != nil {
			return &ValidationError{Msg: "invalid cors config: " + err.Error()}
		}
		items := make([]s3types.CORSRule, 0, len(rules))
		for _, r := range rules {
			rule := s3types.CORSRule{
				AllowedMethods: r.AllowedMethods,
				AllowedOrigins: r.AllowedOrigins,
				AllowedHeaders: r.AllowedHeaders,
			}
			if r.MaxAgeSeconds > 0 {
				rule.MaxAgeSeconds = aws.Int32(r.MaxAgeSeconds)
			}
			items = append(items, rule)
		}
		if _, err := client.PutBucketCors(ctx, &s3.PutBucketCorsInput{
			Bucket:            aws.String(o.BucketName),
			CORSConfiguration: &s3types.CORSConfiguration{CORSRules: items},
		}); err != nil {
			return &ExternalError{Step: "put bucket cors", Err: err}
		}
	}
	return nil
}
