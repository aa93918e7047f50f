package s3

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "s3",
}

// Config configures the sink.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // S3-compatible endpoint, empty for AWS
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	PublicBaseURL   string // when set, locators are PublicBaseURL/key
}

// Sink uploads face crops to an S3 bucket.
type Sink struct {
	cfg      Config
	uploader s3manageriface.UploaderAPI
}

// NewSink creates a Sink with its own AWS session. Static credentials are
// used when configured, otherwise the default credential chain applies.
func NewSink(cfg Config) (*Sink, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.ForcePathStyle)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	log.WithFields(logFields).Infof("Uploading face crops to bucket %s", cfg.Bucket)
	return NewSinkWithUploader(cfg, s3manager.NewUploader(sess)), nil
}

// NewSinkWithUploader creates a Sink around an existing uploader.
func NewSinkWithUploader(cfg Config, uploader s3manageriface.UploaderAPI) *Sink {
	return &Sink{cfg: cfg, uploader: uploader}
}

// Store uploads data as a JPEG under key and returns its locator.
func (s *Sink) Store(ctx context.Context, data []byte, key string) (string, error) {
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}

	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + strings.TrimLeft(key, "/"), nil
	}
	if out != nil && out.Location != "" {
		return out.Location, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, key), nil
}
