package destinations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// multipartThreshold is the part size above which objects go through the
// multipart uploader instead of a single PutObject.
const multipartThreshold = 100 * 1024 * 1024

// S3Config holds connection settings for an S3-compatible store
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// S3Store keeps objects in a single bucket
type S3Store struct {
	bucket   string
	client   s3iface.S3API
	uploader *s3manager.Uploader
}

// NewS3Store opens a session against an S3-compatible endpoint. Path-style
// addressing is forced so MinIO and similar servers work.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return NewS3StoreWithClient(cfg.Bucket, s3.New(sess)), nil
}

// NewS3StoreWithClient wraps an existing client
func NewS3StoreWithClient(bucket string, client s3iface.S3API) *S3Store {
	return &S3Store{
		bucket:   bucket,
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
	}
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to head s3://%s/%s: %w", s.bucket, key, err)
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType, contentEncoding string) error {
	var encoding *string
	if contentEncoding != "" {
		encoding = aws.String(contentEncoding)
	}

	if len(data) > multipartThreshold {
		_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(data),
			ContentType:     aws.String(contentType),
			ContentEncoding: encoding,
		})
		return err
	}

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(data),
		ContentType:     aws.String(contentType),
		ContentEncoding: encoding,
	})
	return err
}
