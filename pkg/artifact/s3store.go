// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"context"
	"fmt"
	"os"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
)

// S3StoreConfig configures the S3-compatible object store. Endpoint is
// optional and lets the store target any S3-compatible service (e.g.
// MinIO) rather than AWS itself.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Store is the default ObjectStore: objects are namespaced by owner and
// session, and access is granted via a time-bounded presigned GET URL.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3Store builds an S3Store from the standard AWS credential chain
// (environment, shared config, IAM role), optionally pointed at a custom
// endpoint for S3-compatible services.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

var _ ObjectStore = (*S3Store)(nil)

// Upload puts localPath's contents at <ownerID>/<sessionID>/<objectName>
// and returns a presigned GET URL valid for PresignTTL.
func (s *S3Store) Upload(ctx context.Context, localPath, objectName, ownerID, sessionID string) (string, error) {
	f, err := os.Open(localPath) //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("failed to open artifact file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	key := path.Join(ownerID, sessionID, objectName)

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   f,
	}); err != nil {
		return "", fmt.Errorf("failed to upload artifact %s: %w", objectName, err)
	}

	presigned, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(PresignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign artifact %s: %w", objectName, err)
	}

	logger.Infof("uploaded artifact %s to s3://%s/%s", objectName, s.bucket, key)
	return presigned.URL, nil
}
