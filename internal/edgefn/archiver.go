package edgefn

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SourceArchiver keeps an audit copy of every generated routing function in
// object storage at:
//
//	s3://<bucket>/<prefix>/edge-functions/<functionID>/index.js
//
// Archival is best-effort; the authoritative copy lives on the function
// record.
type SourceArchiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

func NewSourceArchiver(client *s3.Client, bucket, prefix string) (*SourceArchiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	return &SourceArchiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveSource uploads the generated source and returns the object key.
func (a *SourceArchiver) ArchiveSource(ctx context.Context, functionID, code string) (string, error) {
	key := path.Join(a.prefix, "edge-functions", functionID, "index.js")
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(code),
		ContentType: aws.String("application/javascript"),
	})
	if err != nil {
		return "", fmt.Errorf("archive source upload: %w", err)
	}
	return key, nil
}
