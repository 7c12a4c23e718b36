package media

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"chat-realtime/internal/config"
	"chat-realtime/internal/observability"
)

// Uploader is the subset of the S3 upload manager the relay needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Relay stores attachments in a bucket. Public buckets get a plain object
// URL, private ones a presigned GET URL.
type S3Relay struct {
	uploader   Uploader
	presign    func(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	bucket     string
	region     string
	publicRead bool
	presignTTL time.Duration
}

func NewS3Relay(ctx context.Context, cfg config.S3Config) (*S3Relay, error) {
	awsConfig, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConfig)
	presigner := s3.NewPresignClient(client)

	return &S3Relay{
		uploader: manager.NewUploader(client),
		presign: func(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
			req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			}, s3.WithPresignExpires(ttl))
			if err != nil {
				return "", err
			}
			return req.URL, nil
		},
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		publicRead: cfg.PublicRead,
		presignTTL: cfg.PresignTTL,
	}, nil
}

func (s *S3Relay) Name() string { return "s3" }

func (s *S3Relay) Store(ctx context.Context, userID string, up Upload) (string, error) {
	link, err := s.store(ctx, userID, up)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.IncMediaUpload(s.Name(), result)
	return link, err
}

func (s *S3Relay) store(ctx context.Context, userID string, up Upload) (string, error) {
	data, name, contentType := up.Data, up.FileName, up.ContentType
	if NormalizeKind(up.Kind) == KindPhoto {
		compressed, err := CompressPhoto(up.Data)
		if err != nil {
			return "", err
		}
		data, name, contentType = compressed, jpegName(up.FileName), "image/jpeg"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if name == "" {
		name = "file"
	}

	key := path.Join(userID, uuid.NewString()+"_"+path.Base(name))
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}

	if s.publicRead {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, (&url.URL{Path: key}).EscapedPath()), nil
	}
	link, err := s.presign(ctx, s.bucket, key, s.presignTTL)
	if err != nil {
		return "", fmt.Errorf("s3 presign: %w", err)
	}
	return link, nil
}
