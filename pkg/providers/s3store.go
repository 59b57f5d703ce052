package providers

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ImageStore uploads generated images to an S3 bucket and returns public
// URLs under the configured base URL.
type S3ImageStore struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

// NewS3ImageStore creates a store using the default AWS credential chain.
// baseURL may be empty, in which case the virtual-hosted S3 URL is used.
func NewS3ImageStore(ctx context.Context, bucket, region, baseURL string) (*S3ImageStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
	}
	return &S3ImageStore{
		client:  s3.NewFromConfig(cfg),
		bucket:  bucket,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Upload puts the object and returns its public URL.
func (s *S3ImageStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to s3://%s: %w", key, s.bucket, err)
	}
	return s.baseURL + "/" + key, nil
}

var _ ImageStore = (*S3ImageStore)(nil)
