// Package cdn wraps the CloudFront control plane behind the small surface the
// orchestrator and poller need. All mutating calls thread the concurrency
// token (ETag) CloudFront requires for update and delete.
package cdn

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

// API is the subset of the CloudFront client the wrapper calls. Satisfied by
// *cloudfront.Client; faked in tests.
type API interface {
	CreateDistribution(ctx context.Context, in *cloudfront.CreateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error)
	GetDistribution(ctx context.Context, in *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error)
	UpdateDistribution(ctx context.Context, in *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
	DeleteDistribution(ctx context.Context, in *cloudfront.DeleteDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DeleteDistributionOutput, error)
	CreateCloudFrontOriginAccessIdentity(ctx context.Context, in *cloudfront.CreateCloudFrontOriginAccessIdentityInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateCloudFrontOriginAccessIdentityOutput, error)
	CreateOriginAccessControl(ctx context.Context, in *cloudfront.CreateOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateOriginAccessControlOutput, error)
	CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// Distribution is the control-plane view of a distribution: identifiers,
// deployment status, and the config plus the ETag needed to mutate it.
type Distribution struct {
	ID         string
	ARN        string
	DomainName string
	Status     string
	ETag       string
	Config     *cftypes.DistributionConfig
}

type Client struct {
	api API
}

func NewClient(api API) *Client {
	return &Client{api: api}
}

func (c *Client) Create(ctx context.Context, cfg *cftypes.DistributionConfig) (Distribution, error) {
	out, err := c.api.CreateDistribution(ctx, &cloudfront.CreateDistributionInput{
		DistributionConfig: cfg,
	})
	if err != nil {
		return Distribution{}, fmt.Errorf("create distribution: %w", err)
	}
	return fromSDK(out.Distribution, out.ETag), nil
}

func (c *Client) Get(ctx context.Context, id string) (Distribution, error) {
	out, err := c.api.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(id)})
	if err != nil {
		return Distribution{}, fmt.Errorf("get distribution %s: %w", id, err)
	}
	return fromSDK(out.Distribution, out.ETag), nil
}

// Update applies cfg under the given concurrency token and returns the new
// token for chained mutations (disable then delete).
func (c *Client) Update(ctx context.Context, id, etag string, cfg *cftypes.DistributionConfig) (Distribution, error) {
	out, err := c.api.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 aws.String(id),
		IfMatch:            aws.String(etag),
		DistributionConfig: cfg,
	})
	if err != nil {
		return Distribution{}, fmt.Errorf("update distribution %s: %w", id, err)
	}
	return fromSDK(out.Distribution, out.ETag), nil
}

func (c *Client) Delete(ctx context.Context, id, etag string) error {
	_, err := c.api.DeleteDistribution(ctx, &cloudfront.DeleteDistributionInput{
		Id:      aws.String(id),
		IfMatch: aws.String(etag),
	})
	if err != nil {
		return fmt.Errorf("delete distribution %s: %w", id, err)
	}
	return nil
}

// CreateAccessIdentity creates an OAI for the legacy access model used by
// multi-origin distributions.
func (c *Client) CreateAccessIdentity(ctx context.Context, callerRef, comment string) (string, error) {
	out, err := c.api.CreateCloudFrontOriginAccessIdentity(ctx, &cloudfront.CreateCloudFrontOriginAccessIdentityInput{
		CloudFrontOriginAccessIdentityConfig: &cftypes.CloudFrontOriginAccessIdentityConfig{
			CallerReference: aws.String(callerRef),
			Comment:         aws.String(comment),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create origin access identity: %w", err)
	}
	return aws.ToString(out.CloudFrontOriginAccessIdentity.Id), nil
}

// CreateAccessControl creates an OAC scoped to S3 with sigv4 signing.
func (c *Client) CreateAccessControl(ctx context.Context, name, description string) (string, error) {
	out, err := c.api.CreateOriginAccessControl(ctx, &cloudfront.CreateOriginAccessControlInput{
		OriginAccessControlConfig: &cftypes.OriginAccessControlConfig{
			Name:                          aws.String(name),
			Description:                   aws.String(description),
			OriginAccessControlOriginType: cftypes.OriginAccessControlOriginTypesS3,
			SigningBehavior:               cftypes.OriginAccessControlSigningBehaviorsAlways,
			SigningProtocol:               cftypes.OriginAccessControlSigningProtocolsSigv4,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create origin access control: %w", err)
	}
	return aws.ToString(out.OriginAccessControl.Id), nil
}

func (c *Client) Invalidate(ctx context.Context, id string, paths []string, callerRef string) (string, error) {
	out, err := c.api.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(id),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(callerRef),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    paths,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create invalidation: %w", err)
	}
	return aws.ToString(out.Invalidation.Id), nil
}

// IsNotFound reports whether err is CloudFront's NoSuchDistribution.
func IsNotFound(err error) bool {
	var nsd *cftypes.NoSuchDistribution
	return errors.As(err, &nsd)
}

func fromSDK(d *cftypes.Distribution, etag *string) Distribution {
	if d == nil {
		return Distribution{}
	}
	return Distribution{
		ID:         aws.ToString(d.Id),
		ARN:        aws.ToString(d.ARN),
		DomainName: aws.ToString(d.DomainName),
		Status:     aws.ToString(d.Status),
		ETag:       aws.ToString(etag),
		Config:     d.DistributionConfig,
	}
}
