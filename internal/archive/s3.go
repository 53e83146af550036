// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package archive

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

// S3Config holds the connection details for an S3-compatible archive
// store.
type S3Config struct {
	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (minio, ceph radosgw). Empty means stock AWS.
	Endpoint string

	// Region is the bucket region.
	Region string

	// Bucket is the bucket all objects live in.
	Bucket string

	// AccessKey and SecretKey are static credentials. Both empty means
	// the SDK's default credential chain.
	AccessKey string
	SecretKey string
}

// Validate returns an error if the config is unusable.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.NotValidf("S3 config with empty bucket")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.NotValidf("S3 config with only one of access key and secret key")
	}
	return nil
}

// S3Backend is a Backend over an S3-compatible object store. The
// upload checksum is handed to the server so integrity is also checked
// remotely on write.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend dials the object store described by cfg.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading S3 configuration")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Backend{client: client, bucket: cfg.Bucket}, nil
}

// Put is part of the Backend interface.
func (b *S3Backend) Put(ctx context.Context, name string, r io.Reader, size int64, checksum string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if checksum != "" {
		// System checksums are base64 SHA-256, which is exactly what
		// the server-side integrity check consumes.
		input.ChecksumSHA256 = aws.String(checksum)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return errors.Annotatef(classifyS3Error(err), "putting object %q", name)
	}
	return nil
}

// Get is part of the Backend interface.
func (b *S3Backend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, errors.Annotatef(classifyS3Error(err), "getting object %q", name)
	}
	return output.Body, nil
}

// List is part of the Backend interface.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotatef(classifyS3Error(err), "listing objects under %q", prefix)
		}
		for _, obj := range page.Contents {
			names = append(names, aws.ToString(obj.Key))
		}
	}
	return names, nil
}

// Delete is part of the Backend interface.
func (b *S3Backend) Delete(ctx context.Context, name string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		err = classifyS3Error(err)
		if errors.IsNotFound(err) {
			return nil
		}
		return errors.Annotatef(err, "deleting object %q", name)
	}
	return nil
}

// classifyS3Error maps SDK errors onto the error taxonomy: missing
// objects become not-found, server-side integrity rejections become
// checksum mismatches, everything else stays as-is for the retry layer
// to treat as transient.
func classifyS3Error(err error) error {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return errors.NewNotFound(err, "object not found")
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errors.NewNotFound(err, "object not found")
		case "InvalidDigest", "BadDigest", "XAmzContentSHA256Mismatch":
			return errors.Annotatef(ErrChecksumMismatch, "%v", err)
		}
	}
	return err
}
