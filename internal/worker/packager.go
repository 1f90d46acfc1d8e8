package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/models"
)

// ArtifactStore persists finished redaction packages.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Packager assembles the final redaction package manifest for an approved
// job and stores it.
type Packager struct {
	artifacts ArtifactStore
	now       func() time.Time
}

func NewPackager(artifacts ArtifactStore) *Packager {
	return &Packager{artifacts: artifacts, now: time.Now}
}

// NewPackagerFromConfig picks S3 when a bucket is configured, local disk
// otherwise.
func NewPackagerFromConfig(ctx context.Context, cfg config.Config) (*Packager, error) {
	if cfg.PackageBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return NewPackager(&S3Artifacts{client: client, bucket: cfg.PackageBucket}), nil
	}
	return NewPackager(&LocalArtifacts{BaseDir: cfg.PackageOutputDir}), nil
}

type packageManifest struct {
	JobID      string `json:"job_id"`
	OrgID      string `json:"org_id"`
	Kind       string `json:"kind"`
	PackagedAt string `json:"packaged_at"`
	Approval   string `json:"approval_msg_id"`
}

// Package writes the manifest for an approved job and returns its
// location.
func (p *Packager) Package(ctx context.Context, evt models.LifecycleEvent) (string, error) {
	manifest := packageManifest{
		JobID:      evt.JobID,
		OrgID:      evt.OrgID,
		Kind:       evt.Kind,
		PackagedAt: p.now().UTC().Format(time.RFC3339),
		Approval:   evt.MessageID,
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	key := fmt.Sprintf("%s/package.json", evt.JobID)
	return p.artifacts.Put(ctx, key, body, "application/json")
}

// LocalArtifacts writes packages under a base directory.
type LocalArtifacts struct {
	BaseDir string
}

func (l *LocalArtifacts) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.Clean(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write package: %w", err)
	}
	return path, nil
}

// S3Artifacts stores packages in an S3 bucket.
type S3Artifacts struct {
	client *s3.Client
	bucket string
}

func (s *S3Artifacts) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
