// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// MaxEvidenceBytes caps a single dispute evidence upload.
const MaxEvidenceBytes = 20 << 20

var evidenceTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	CDNBaseURL      string
}

// EvidenceStore uploads dispute evidence to an R2 bucket.
type EvidenceStore struct {
	client     *s3.Client
	bucket     string
	cdnBaseURL string
}

// NewEvidenceStore returns nil, nil when R2 is not configured; evidence
// upload is then disabled and disputes accept text only.
func NewEvidenceStore(ctx context.Context, c R2Config) (*EvidenceStore, error) {
	if c.AccountID == "" || c.Bucket == "" {
		return nil, nil
	}
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
	cdn := strings.TrimRight(c.CDNBaseURL, "/")
	if cdn == "" {
		cdn = endpoint + "/" + c.Bucket
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKeyID, c.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &EvidenceStore{client: client, bucket: c.Bucket, cdnBaseURL: cdn}, nil
}

// EvidenceKey builds "disputes/<duel>/<slug>-<rand><ext>" from the upload name.
func EvidenceKey(duelID, filename, contentType string) (string, error) {
	ext, ok := evidenceTypes[contentType]
	if !ok {
		return "", fmt.Errorf("unsupported evidence type %q", contentType)
	}
	base := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	name := slug.Make(base)
	if name == "" {
		name = "evidence"
	}
	if len(name) > 48 {
		name = name[:48]
	}
	return fmt.Sprintf("disputes/%s/%s-%s%s", slug.Make(duelID), name, uuid.NewString()[:8], ext), nil
}

// UploadEvidence stores the file and returns its public URL.
func (s *EvidenceStore) UploadEvidence(ctx context.Context, duelID string, fh *multipart.FileHeader) (string, error) {
	if fh.Size > MaxEvidenceBytes {
		return "", fmt.Errorf("evidence exceeds %d bytes", MaxEvidenceBytes)
	}
	contentType := fh.Header.Get("Content-Type")
	key, err := EvidenceKey(duelID, fh.Filename, contentType)
	if err != nil {
		return "", err
	}

	file, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, io.LimitReader(file, MaxEvidenceBytes+1)); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if buf.Len() > MaxEvidenceBytes {
		return "", fmt.Errorf("evidence exceeds %d bytes", MaxEvidenceBytes)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}
	return fmt.Sprintf("%s/%s", s.cdnBaseURL, key), nil
}
