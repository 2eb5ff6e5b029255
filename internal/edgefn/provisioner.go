package edgefn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// LambdaAPI is the subset of the Lambda client the provisioner uses.
// Satisfied by *lambda.Client; faked in tests. The real client must be
// constructed for us-east-1, the only region the CDN accepts edge functions
// from.
type LambdaAPI interface {
	CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	GetFunction(ctx context.Context, in *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	AddPermission(ctx context.Context, in *lambda.AddPermissionInput, optFns ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error)
	DeleteFunction(ctx context.Context, in *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
}

// ProvisioningTimeoutError means the function never reached Active within
// the activation window. Fatal for the create workflow.
type ProvisioningTimeoutError struct {
	FunctionName string
	Waited       time.Duration
}

func (e *ProvisioningTimeoutError) Error() string {
	return fmt.Sprintf("function %s did not become active within %s", e.FunctionName, e.Waited)
}

// Provisioned describes a deployed, version-pinned routing function.
type Provisioned struct {
	FunctionName string
	ARN          string
	VersionARN   string
	Version      string
}

// Provisioner deploys generated routing code as an invocable versioned
// function.
type Provisioner struct {
	api          LambdaAPI
	roleARN      string
	waitTimeout  time.Duration
	pollInterval time.Duration
}

func NewProvisioner(api LambdaAPI, roleARN string) *Provisioner {
	return &Provisioner{
		api:          api,
		roleARN:      roleARN,
		waitTimeout:  60 * time.Second,
		pollInterval: 2 * time.Second,
	}
}

// Provision creates the function from the zipped artifact, publishes an
// immutable version, waits for activation, and grants the CDN edge principal
// invoke permission. The returned reference is always version-suffixed:
// CloudFront silently rejects associations to mutable references.
func (p *Provisioner) Provision(ctx context.Context, functionName string, artifact []byte) (Provisioned, error) {
	out, err := p.api.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(functionName),
		Runtime:      lambdatypes.RuntimeNodejs18x,
		Role:         aws.String(p.roleARN),
		Handler:      aws.String("index.handler"),
		Code:         &lambdatypes.FunctionCode{ZipFile: artifact},
		Description:  aws.String("Edge routing function for multi-origin distribution"),
		// Routing is a single map lookup; the smallest envelope is plenty.
		Timeout:    aws.Int32(5),
		MemorySize: aws.Int32(128),
		// Publish immediately: the CDN only accepts version-pinned references.
		Publish: true,
	})
	if err != nil {
		return Provisioned{}, fmt.Errorf("create function %s: %w", functionName, err)
	}

	arn := aws.ToString(out.FunctionArn)
	version := aws.ToString(out.Version)
	if version == "" {
		version = "1"
	}
	versionARN := arn
	if !strings.HasSuffix(versionARN, ":"+version) {
		versionARN = arn + ":" + version
	}

	if err := p.waitForActive(ctx, functionName); err != nil {
		return Provisioned{}, err
	}

	// Permission failure is non-fatal: the association may still succeed if
	// an equivalent statement already exists, and a real gap surfaces as an
	// association error the orchestrator reports.
	if err := p.grantInvoke(ctx, functionName); err != nil {
		log.Printf("[edgefn] grant invoke permission on %s: %v", functionName, err)
	}

	return Provisioned{
		FunctionName: functionName,
		ARN:          arn,
		VersionARN:   versionARN,
		Version:      version,
	}, nil
}

func (p *Provisioner) waitForActive(ctx context.Context, functionName string) error {
	deadline := time.Now().Add(p.waitTimeout)
	for {
		out, err := p.api.GetFunction(ctx, &lambda.GetFunctionInput{
			FunctionName: aws.String(functionName),
		})
		if err != nil {
			return fmt.Errorf("poll function state %s: %w", functionName, err)
		}
		if out.Configuration != nil && out.Configuration.State == lambdatypes.StateActive {
			return nil
		}
		if time.Now().After(deadline) {
			return &ProvisioningTimeoutError{FunctionName: functionName, Waited: p.waitTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *Provisioner) grantInvoke(ctx context.Context, functionName string) error {
	_, err := p.api.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName: aws.String(functionName),
		StatementId:  aws.String("cdn-edge-invoke"),
		Action:       aws.String("lambda:InvokeFunction"),
		Principal:    aws.String("edgelambda.amazonaws.com"),
	})
	var conflict *lambdatypes.ResourceConflictException
	if errors.As(err, &conflict) {
		// Statement already present from an earlier attempt.
		return nil
	}
	return err
}

// Delete removes the function. Already-gone is success: delete workflows
// must converge even when a previous attempt got partway through.
func (p *Provisioner) Delete(ctx context.Context, functionName string) error {
	_, err := p.api.DeleteFunction(ctx, &lambda.DeleteFunctionInput{
		FunctionName: aws.String(functionName),
	})
	var notFound *lambdatypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete function %s: %w", functionName, err)
	}
	return nil
}
