/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage backs session workspaces and execution artifacts with an
// S3-compatible object store. MinIO in self-hosted deployments, S3 proper
// otherwise; everything goes through path-style addressing with a static
// endpoint so both work.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sony/gobreaker"

	"github.com/kweaver-ai/sandbox/pkg/metrics"
)

// Config carries the connection settings for the object store. A non-empty
// Endpoint switches to path-style addressing for MinIO-compatible stores.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// PresignTTL is the lifetime of download links handed to clients for files
// too large to stream inline.
const PresignTTL = time.Hour

// ObjectStore is the storage surface the rest of the control plane sees.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Head(ctx context.Context, key string) (int64, error)
	DeletePrefix(ctx context.Context, prefix string) error
	Presign(ctx context.Context, key string) (string, error)
	Healthy(ctx context.Context) error
}

// Client is the S3-backed ObjectStore. All calls run behind a circuit
// breaker so a storage outage sheds load fast instead of stacking up
// blocked requests.
type Client struct {
	bucket  string
	prefix  string
	s3      *s3.Client
	presign *s3.PresignClient
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds the S3 client.
func NewClient(ctx context.Context, opts Config) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading storage config, %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "object-store",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		bucket:  opts.Bucket,
		prefix:  strings.Trim(opts.Prefix, "/"),
		s3:      client,
		presign: s3.NewPresignClient(client),
		breaker: breaker,
	}, nil
}

func (c *Client) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + "/" + key
}

func (c *Client) do(operation string, fn func() (interface{}, error)) (interface{}, error) {
	defer metrics.Measure(metrics.StorageOperationDuration.WithLabelValues(operation))()
	return c.breaker.Execute(fn)
}

// Upload writes an object.
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := c.do("upload", func() (interface{}, error) {
		input := &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.key(key)),
			Body:   body,
		}
		if size > 0 {
			input.ContentLength = aws.Int64(size)
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		return c.s3.PutObject(ctx, input)
	})
	if err != nil {
		return fmt.Errorf("uploading %s, %w", key, err)
	}
	return nil
}

// Download streams an object. The caller closes the reader.
func (c *Client) Download(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := c.do("download", func() (interface{}, error) {
		return c.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.key(key)),
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("downloading %s, %w", key, err)
	}
	obj := out.(*s3.GetObjectOutput)
	return obj.Body, aws.ToInt64(obj.ContentLength), nil
}

// Head returns the object's size without fetching it.
func (c *Client) Head(ctx context.Context, key string) (int64, error) {
	out, err := c.do("head", func() (interface{}, error) {
		return c.s3.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.key(key)),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("checking %s, %w", key, err)
	}
	return aws.ToInt64(out.(*s3.HeadObjectOutput).ContentLength), nil
}

// DeletePrefix removes every object under the prefix. Ephemeral session
// teardown uses this to discard the workspace.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	full := c.key(prefix)
	_, err := c.do("delete_prefix", func() (interface{}, error) {
		paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
			Prefix: aws.String(full),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, obj := range page.Contents {
				_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(c.bucket),
					Key:    obj.Key,
				})
				if err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("deleting prefix %s, %w", prefix, err)
	}
	return nil
}

// Presign returns a time-limited download URL for the object.
func (c *Client) Presign(ctx context.Context, key string) (string, error) {
	out, err := c.do("presign", func() (interface{}, error) {
		return c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.key(key)),
		}, s3.WithPresignExpires(PresignTTL))
	})
	if err != nil {
		return "", fmt.Errorf("presigning %s, %w", key, err)
	}
	return out.(*v4.PresignedHTTPRequest).URL, nil
}

// Healthy probes the bucket. The health rollup reports storage as degraded
// when this fails or the breaker is open.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.do("head_bucket", func() (interface{}, error) {
		return c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	})
	if err != nil {
		return fmt.Errorf("probing bucket %s, %w", c.bucket, err)
	}
	return nil
}

// WorkspacePrefix is the object-key prefix holding a session's workspace.
func WorkspacePrefix(sessionID string) string {
	return path.Join("sessions", sessionID) + "/"
}

// WorkspaceKey maps a relative workspace file path to its object key.
func WorkspaceKey(sessionID, relPath string) string {
	return path.Join("sessions", sessionID, relPath)
}

// ArtifactKey maps an execution artifact to its object key under the owning
// session's prefix.
func ArtifactKey(sessionID, executionID, relPath string) string {
	return path.Join("sessions", sessionID, "artifacts", executionID, relPath)
}
