package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a distribution record. Creating and
// InProgress are pending states the sweeper keeps polling; Deployed and
// Failed are terminal.
type Status string

const (
	StatusCreating   Status = "Creating"
	StatusInProgress Status = "InProgress"
	StatusDeployed   Status = "Deployed"
	StatusFailed     Status = "Failed"
	StatusDeleting   Status = "Deleting"
)

// Pending reports whether the status still requires polling.
func (s Status) Pending() bool {
	return s == StatusCreating || s == StatusInProgress
}

// Terminal reports whether the deployment workflow has finished.
func (s Status) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

// Distribution is the internal record for a managed CDN distribution. It is
// created in Creating state before the CloudFront resource exists so a
// crashed creation remains discoverable.
type Distribution struct {
	ID               string          `json:"distributionId"`
	Name             string          `json:"name"`
	CloudFrontID     string          `json:"cloudfrontId,omitempty"`
	Status           Status          `json:"status"`
	DomainName       string          `json:"domainName,omitempty"`
	ARN              string          `json:"arn,omitempty"`
	IsMultiOrigin    bool            `json:"isMultiOrigin"`
	EdgeFunctionID   string          `json:"edgeFunctionId,omitempty"`
	AccessIdentityID string          `json:"accessIdentityId,omitempty"`
	Config           json.RawMessage `json:"config,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
	Version          int64           `json:"version"`
	CreatedBy        string          `json:"createdBy"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Origin is an S3-backed origin bucket. DistributionARNs is the authoritative
// membership set the access-policy reconciler derives bucket policies from;
// Version guards its read-modify-write cycle.
type Origin struct {
	ID               string          `json:"originId"`
	Name             string          `json:"name"`
	BucketName       string          `json:"bucketName"`
	Region           string          `json:"region"`
	AccessControlID  string          `json:"oacId,omitempty"`
	DistributionARNs []string        `json:"distributionArns"`
	WebsiteEnabled   bool            `json:"websiteEnabled"`
	WebsiteConfig    json.RawMessage `json:"websiteConfig,omitempty"`
	CORSConfig       json.RawMessage `json:"corsConfig,omitempty"`
	Version          int64           `json:"version"`
	CreatedBy        string          `json:"createdBy"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// DomainName returns the bucket's regional S3 endpoint, the form CloudFront
// origins and generated routing code address buckets by.
func (o Origin) DomainName() string {
	return o.BucketName + ".s3." + o.Region + ".amazonaws.com"
}

// EdgeFunction records a deployed routing function. Owned by exactly one
// distribution and deleted with it.
type EdgeFunction struct {
	ID             string            `json:"functionId"`
	Name           string            `json:"functionName"`
	ARN            string            `json:"functionArn"`
	VersionARN     string            `json:"versionArn"`
	Preset         string            `json:"preset"`
	Code           string            `json:"codeContent,omitempty"`
	RegionMapping  map[string]string `json:"regionMapping,omitempty"`
	OriginIDs      []string          `json:"originIds"`
	DistributionID string            `json:"distributionId"`
	CreatedBy      string            `json:"createdBy"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// HistoryEntry is one append-only audit record, keyed by distribution id and
// timestamp. Never mutated or deleted.
type HistoryEntry struct {
	DistributionID string          `json:"distributionId"`
	Timestamp      time.Time       `json:"timestamp"`
	Action         string          `json:"action"`
	Actor          string          `json:"user"`
	PreviousStatus Status          `json:"previousStatus,omitempty"`
	NewStatus      Status          `json:"newStatus,omitempty"`
	Version        int64           `json:"version,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
}

// History actions.
const (
	ActionCreate        = "create"
	ActionDelete        = "delete"
	ActionInvalidate    = "invalidate"
	ActionStatusChanged = "STATUS_CHANGED"
)
