package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/kofera/contractsign/config"
	"github.com/kofera/contractsign/model"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore is the content-addressable blob store holding uploaded
// documents, rendered documents and signature images.
type ArtifactStore interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) error
	Get(ctx context.Context, objectName string) ([]byte, error)
	URL(ctx context.Context, objectName string) (string, error)
}

// Artifact object names. Each rendering step writes a distinct object
// so the original upload survives as an audit trail.
func originalObjectName(contractID, ext string) string {
	return contractID + "-original" + ext
}

func companySignedObjectName(contractID, ext string) string {
	return contractID + "-company-signed" + ext
}

func signatureObjectName(contractID string, role model.Role) string {
	return fmt.Sprintf("%s-%s-signature.png", contractID, role)
}

func sealObjectName(contractID string, fieldID int64, ext string) string {
	return fmt.Sprintf("%s-seal-%d%s", contractID, fieldID, ext)
}

func finalObjectName(contractID, ext string) string {
	return contractID + "-final" + ext
}

// objectExt returns the document extension carried through the
// rendered artifact names.
func objectExt(filename string) string {
	ext := path.Ext(filename)
	if ext == "" {
		ext = ".pdf"
	}
	return ext
}

// MinioStore is the MinIO-backed ArtifactStore.
type MinioStore struct {
	client *minio.Client
	bucket string
	config *config.MinioConfig
}

func NewMinioStore(cfg *config.MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		config: cfg,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Put writes one artifact.
func (s *MinioStore) Put(ctx context.Context, objectName string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	return nil
}

// Get reads one artifact fully into memory.
func (s *MinioStore) Get(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	return data, nil
}

// URL generates a presigned URL for the object with expiration
func (s *MinioStore) URL(ctx context.Context, objectName string) (string, error) {
	expiry := time.Duration(s.config.ExpireDays) * 24 * time.Hour
	url, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return url.String(), nil
}

// PublicURL returns a public URL for the object (if bucket policy allows)
func (s *MinioStore) PublicURL(objectName string) string {
	protocol := "http"
	if s.config.UseSSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", protocol, s.config.Endpoint, s.bucket, objectName)
}
