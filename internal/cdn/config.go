package cdn

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

// CachingOptimizedPolicyID is the AWS managed cache policy used when the
// caller does not supply one.
const CachingOptimizedPolicyID = "658327ea-f89d-4fab-a63d-7e88639e58f6"

// CallerReference builds the idempotency token CloudFront requires on create
// calls. Retries of the same logical create reuse it.
func CallerReference(name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixMilli())
}

// BuildConfig translates the internal config model into CloudFront's wire
// form for a single-origin (or caller-fully-specified) distribution.
func BuildConfig(name string, cfg models.DistributionConfig, callerRef, cachePolicyID string) *cftypes.DistributionConfig {
	if cachePolicyID == "" {
		cachePolicyID = CachingOptimizedPolicyID
	}
	comment := cfg.Comment
	if comment == "" {
		comment = name
	}

	origins := make([]cftypes.Origin, 0, len(cfg.Origins))
	for _, o := range cfg.Origins {
		origin := cftypes.Origin{
			Id:         aws.String(o.ID),
			DomainName: aws.String(o.DomainName),
			OriginPath: aws.String(models.NormalizeOriginPath(o.OriginPath)),
			S3OriginConfig: &cftypes.S3OriginConfig{
				OriginAccessIdentity: aws.String(""),
			},
			ConnectionAttempts: aws.Int32(3),
			ConnectionTimeout:  aws.Int32(10),
		}
		if o.OriginAccessControlID != "" {
			origin.OriginAccessControlId = aws.String(o.OriginAccessControlID)
		}
		origins = append(origins, origin)
	}

	out := &cftypes.DistributionConfig{
		CallerReference:   aws.String(callerRef),
		Comment:           aws.String(comment),
		Enabled:           aws.Bool(cfg.Enabled),
		DefaultRootObject: aws.String(cfg.DefaultRootObject),
		PriceClass:        priceClass(cfg.PriceClass),
		HttpVersion:       cftypes.HttpVersionHttp2and3,
		Origins: &cftypes.Origins{
			Quantity: aws.Int32(int32(len(origins))),
			Items:    origins,
		},
		DefaultCacheBehavior: defaultBehavior(cfg.DefaultCacheBehavior, cachePolicyID, nil),
	}

	if len(cfg.CacheBehaviors) > 0 {
		items := make([]cftypes.CacheBehavior, 0, len(cfg.CacheBehaviors))
		for _, b := range cfg.CacheBehaviors {
			items = append(items, cacheBehavior(b, cachePolicyID))
		}
		out.CacheBehaviors = &cftypes.CacheBehaviors{
			Quantity: aws.Int32(int32(len(items))),
			Items:    items,
		}
	}
	return out
}

// BuildMultiOriginConfig builds the wire config for a multi-origin
// distribution: every origin bucket behind the shared OAI and the routing
// function's versioned ARN associated on origin-request.
func BuildMultiOriginConfig(name string, cfg models.DistributionConfig, origins []models.Origin, defaultOriginID, oaiID, functionVersionARN, callerRef, cachePolicyID string) *cftypes.DistributionConfig {
	if cachePolicyID == "" {
		cachePolicyID = CachingOptimizedPolicyID
	}
	comment := cfg.Comment
	if comment == "" {
		comment = name + " - Multi-Origin Distribution"
	}

	items := make([]cftypes.Origin, 0, len(origins))
	for _, o := range origins {
		items = append(items, cftypes.Origin{
			Id:         aws.String(o.ID),
			DomainName: aws.String(o.DomainName()),
			OriginPath: aws.String(""),
			S3OriginConfig: &cftypes.S3OriginConfig{
				OriginAccessIdentity: aws.String("origin-access-identity/cloudfront/" + oaiID),
			},
			ConnectionAttempts: aws.Int32(3),
			ConnectionTimeout:  aws.Int32(10),
			OriginShield:       &cftypes.OriginShield{Enabled: aws.Bool(false)},
		})
	}

	behavior := &cftypes.DefaultCacheBehavior{
		TargetOriginId:       aws.String(defaultOriginID),
		ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyRedirectToHttps,
		AllowedMethods: &cftypes.AllowedMethods{
			Quantity: aws.Int32(2),
			Items:    []cftypes.Method{cftypes.MethodGet, cftypes.MethodHead},
			CachedMethods: &cftypes.CachedMethods{
				Quantity: aws.Int32(2),
				Items:    []cftypes.Method{cftypes.MethodGet, cftypes.MethodHead},
			},
		},
		CachePolicyId: aws.String(cachePolicyID),
		Compress:      aws.Bool(false),
		// The routing function runs on origin-request so cache hits are
		// served without invoking it.
		LambdaFunctionAssociations: &cftypes.LambdaFunctionAssociations{
			Quantity: aws.Int32(1),
			Items: []cftypes.LambdaFunctionAssociation{{
				EventType:         cftypes.EventTypeOriginRequest,
				LambdaFunctionARN: aws.String(functionVersionARN),
				IncludeBody:       aws.Bool(false),
			}},
		},
	}
	if cfg.DefaultCacheBehavior != nil && cfg.DefaultCacheBehavior.ViewerProtocolPolicy != "" {
		behavior.ViewerProtocolPolicy = cftypes.ViewerProtocolPolicy(cfg.DefaultCacheBehavior.ViewerProtocolPolicy)
	}

	return &cftypes.DistributionConfig{
		CallerReference:   aws.String(callerRef),
		Comment:           aws.String(comment),
		Enabled:           aws.Bool(true),
		DefaultRootObject: aws.String(cfg.DefaultRootObject),
		PriceClass:        priceClass(cfg.PriceClass),
		HttpVersion:       cftypes.HttpVersionHttp2and3,
		Origins: &cftypes.Origins{
			Quantity: aws.Int32(int32(len(items))),
			Items:    items,
		},
		DefaultCacheBehavior: behavior,
	}
}

func defaultBehavior(b *models.CacheBehavior, cachePolicyID string, assoc *cftypes.LambdaFunctionAssociations) *cftypes.DefaultCacheBehavior {
	out := &cftypes.DefaultCacheBehavior{
		ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyRedirectToHttps,
		AllowedMethods: &cftypes.AllowedMethods{
			Quantity: aws.Int32(7),
			Items: []cftypes.Method{
				cftypes.MethodGet, cftypes.MethodHead, cftypes.MethodOptions,
				cftypes.MethodPut, cftypes.MethodPost, cftypes.MethodPatch, cftypes.MethodDelete,
			},
			CachedMethods: &cftypes.CachedMethods{
				Quantity: aws.Int32(3),
				Items:    []cftypes.Method{cftypes.MethodGet, cftypes.MethodHead, cftypes.MethodOptions},
			},
		},
		CachePolicyId:              aws.String(cachePolicyID),
		Compress:                   aws.Bool(false),
		LambdaFunctionAssociations: assoc,
	}
	if b != nil {
		out.TargetOriginId = aws.String(b.TargetOriginID)
		if b.ViewerProtocolPolicy != "" {
			out.ViewerProtocolPolicy = cftypes.ViewerProtocolPolicy(b.ViewerProtocolPolicy)
		}
		if b.CachePolicyID != "" {
			out.CachePolicyId = aws.String(b.CachePolicyID)
		}
		out.Compress = aws.Bool(b.Compress)
	}
	return out
}

func cacheBehavior(b models.CacheBehavior, cachePolicyID string) cftypes.CacheBehavior {
	if b.CachePolicyID != "" {
		cachePolicyID = b.CachePolicyID
	}
	policy := cftypes.ViewerProtocolPolicyRedirectToHttps
	if b.ViewerProtocolPolicy != "" {
		policy = cftypes.ViewerProtocolPolicy(b.ViewerProtocolPolicy)
	}
	return cftypes.CacheBehavior{
		PathPattern:          aws.String(b.PathPattern),
		TargetOriginId:       aws.String(b.TargetOriginID),
		ViewerProtocolPolicy: policy,
		CachePolicyId:        aws.String(cachePolicyID),
		Compress:             aws.Bool(b.Compress),
	}
}

func priceClass(p string) cftypes.PriceClass {
	switch p {
	case "", "PriceClass_100":
		return cftypes.PriceClassPriceClass100
	case "PriceClass_200":
		return cftypes.PriceClassPriceClass200
	default:
		return cftypes.PriceClassPriceClassAll
	}
}
