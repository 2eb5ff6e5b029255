// Package policy reconciles S3 bucket access policies against the
// authoritative per-origin membership set of distribution ARNs.
package policy

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Statement Sids this reconciler owns or understands. Statements with any
// other Sid pass through untouched.
const (
	SidCloudFrontService = "AllowCloudFrontServicePrincipal"
	SidPublicRead        = "PublicReadGetObject"
	SidAccessIdentities  = "AllowOriginAccessIdentities"

	sourceArnKey  = "AWS:SourceArn"
	policyVersion = "2012-10-17"
)

// Document is an S3 bucket policy.
type Document struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Statement is one policy statement. Principal, Action, Resource, and
// condition values tolerate both the string and list JSON encodings the
// policy language allows.
type Statement struct {
	Sid       string                              `json:"Sid,omitempty"`
	Effect    string                              `json:"Effect,omitempty"`
	Principal *Principal                          `json:"Principal,omitempty"`
	Action    StringOrSlice                       `json:"Action,omitempty"`
	Resource  StringOrSlice                       `json:"Resource,omitempty"`
	Condition map[string]map[string]StringOrSlice `json:"Condition,omitempty"`
}

// Principal models the policy Principal element: "*", {"AWS": ...}, or
// {"Service": ...}.
type Principal struct {
	All     bool
	AWS     StringOrSlice
	Service StringOrSlice
}

func (p *Principal) MarshalJSON() ([]byte, error) {
	if p.All {
		return json.Marshal("*")
	}
	out := map[string]StringOrSlice{}
	if len(p.AWS) > 0 {
		out["AWS"] = p.AWS
	}
	if len(p.Service) > 0 {
		out["Service"] = p.Service
	}
	return json.Marshal(out)
}

func (p *Principal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "*" {
			return fmt.Errorf("unexpected principal %q", s)
		}
		p.All = true
		return nil
	}
	var obj struct {
		AWS     StringOrSlice `json:"AWS"`
		Service StringOrSlice `json:"Service"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.AWS = obj.AWS
	p.Service = obj.Service
	return nil
}

// StringOrSlice is a policy value that may appear as a bare string or a
// list. It marshals as a string when it holds a single element.
type StringOrSlice []string

func (s StringOrSlice) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringOrSlice{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = StringOrSlice(list)
	return nil
}

// CloudFrontStatement builds the OAC statement granting the CDN service
// principal read access, conditioned on the request originating from one of
// the member distributions.
func CloudFrontStatement(bucketName string, arns []string) Statement {
	sorted := append([]string(nil), arns...)
	sort.Strings(sorted)
	return Statement{
		Sid:       SidCloudFrontService,
		Effect:    "Allow",
		Principal: &Principal{Service: StringOrSlice{"cloudfront.amazonaws.com"}},
		Action:    StringOrSlice{"s3:GetObject"},
		Resource:  StringOrSlice{"arn:aws:s3:::" + bucketName + "/*"},
		Condition: map[string]map[string]StringOrSlice{
			"StringEquals": {sourceArnKey: sorted},
		},
	}
}

// AccessIdentityPrincipal is the IAM principal form of an origin access
// identity, the way bucket policies name it.
func AccessIdentityPrincipal(identityID string) string {
	return "arn:aws:iam::cloudfront:user/CloudFront Origin Access Identity " + identityID
}

// AccessIdentityStatement builds the legacy-model statement granting the
// given identity principals read access. One consolidated statement holds
// every identity with access to the bucket.
func AccessIdentityStatement(bucketName string, principals []string) Statement {
	sorted := append([]string(nil), principals...)
	sort.Strings(sorted)
	return Statement{
		Sid:       SidAccessIdentities,
		Effect:    "Allow",
		Principal: &Principal{AWS: StringOrSlice(sorted)},
		Action:    StringOrSlice{"s3:GetObject"},
		Resource:  StringOrSlice{"arn:aws:s3:::" + bucketName + "/*"},
	}
}

// PublicReadStatement builds the anonymous-read statement for
// website-hosting origins. Orthogonal to CDN membership.
func PublicReadStatement(bucketName string) Statement {
	return Statement{
		Sid:       SidPublicRead,
		Effect:    "Allow",
		Principal: &Principal{All: true},
		Action:    StringOrSlice{"s3:GetObject"},
		Resource:  StringOrSlice{"arn:aws:s3:::" + bucketName + "/*"},
	}
}

// SourceARNs returns the membership condition set of the CDN statement, or
// nil when the statement is absent.
func (d Document) SourceARNs() []string {
	for _, st := range d.Statement {
		if st.Sid != SidCloudFrontService {
			continue
		}
		if eq, ok := st.Condition["StringEquals"]; ok {
			return append([]string(nil), eq[sourceArnKey]...)
		}
	}
	return nil
}

// HasStatement reports whether a statement with the given Sid exists.
func (d Document) HasStatement(sid string) bool {
	for _, st := range d.Statement {
		if st.Sid == sid {
			return true
		}
	}
	return false
}
