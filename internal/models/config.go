package models

import (
	"strings"
)

// DistributionConfig is the internal shape of a distribution's configuration.
// It is what callers submit, what validation runs against, and what gets
// snapshotted onto the record before translation to the CloudFront wire form.
type DistributionConfig struct {
	Comment              string          `json:"comment,omitempty"`
	Enabled              bool            `json:"enabled"`
	DefaultRootObject    string          `json:"defaultRootObject,omitempty"`
	PriceClass           string          `json:"priceClass,omitempty"`
	Origins              []ConfigOrigin  `json:"origins"`
	DefaultCacheBehavior *CacheBehavior  `json:"defaultCacheBehavior"`
	CacheBehaviors       []CacheBehavior `json:"cacheBehaviors,omitempty"`
}

// ConfigOrigin is one origin entry inside a distribution config.
type ConfigOrigin struct {
	ID         string `json:"id"`
	DomainName string `json:"domainName"`
	OriginPath string `json:"originPath,omitempty"`
	// OriginAccessControlID links the origin to an OAC; empty for the
	// legacy access-identity model.
	OriginAccessControlID string `json:"originAccessControlId,omitempty"`
}

// CacheBehavior is a cache behavior targeting one origin. PathPattern is
// empty for the default behavior.
type CacheBehavior struct {
	PathPattern          string `json:"pathPattern,omitempty"`
	TargetOriginID       string `json:"targetOriginId"`
	ViewerProtocolPolicy string `json:"viewerProtocolPolicy,omitempty"`
	CachePolicyID        string `json:"cachePolicyId,omitempty"`
	Compress             bool   `json:"compress"`
}

// NormalizeOriginPath applies CloudFront's origin path rules: a leading
// slash is required, a bare "/" means no path, and trailing slashes are
// stripped.
func NormalizeOriginPath(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if p == "/" {
		return ""
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}
