/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package jitlog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pierrec/lz4/v4"
)

// S3Sink collects a compressed jitlog in memory and uploads it to
// <prefix>/<session>.jitlog.lz4 when it is closed.
type S3Sink struct {
	AccessKeyID     string // AWS or S3-compatible access key
	SecretAccessKey string // AWS or S3-compatible secret key
	Region          string
	Endpoint        string // custom endpoint for S3-compatible storage (MinIO, etc.)
	Bucket          string
	Prefix          string
	ForcePathStyle  bool // required for MinIO

	session string
	mu      sync.Mutex
	buf     bytes.Buffer
	zw      *lz4.Writer
}

func NewS3Sink(session string) *S3Sink {
	s := &S3Sink{session: session}
	s.zw = lz4.NewWriter(&s.buf)
	return s
}

// S3SinkFromEnv configures a sink from RJIT_S3_BUCKET, RJIT_S3_PREFIX,
// RJIT_S3_REGION, RJIT_S3_ENDPOINT, RJIT_S3_ACCESS_KEY and
// RJIT_S3_SECRET_KEY. It returns nil without a bucket.
func S3SinkFromEnv(session string) *S3Sink {
	bucket := os.Getenv("RJIT_S3_BUCKET")
	if bucket == "" {
		return nil
	}
	s := NewS3Sink(session)
	s.Bucket = bucket
	s.Prefix = os.Getenv("RJIT_S3_PREFIX")
	s.Region = os.Getenv("RJIT_S3_REGION")
	s.Endpoint = os.Getenv("RJIT_S3_ENDPOINT")
	s.AccessKeyID = os.Getenv("RJIT_S3_ACCESS_KEY")
	s.SecretAccessKey = os.Getenv("RJIT_S3_SECRET_KEY")
	s.ForcePathStyle = s.Endpoint != ""
	return s
}

// Key is the object name of the upload.
func (s *S3Sink) Key() string {
	name := s.session + ".jitlog.lz4"
	if pfx := strings.Trim(s.Prefix, "/"); pfx != "" {
		return pfx + "/" + name
	}
	return name
}

func (s *S3Sink) Write(recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Encode(s.zw, recs)
}

func (s *S3Sink) client(ctx context.Context) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, config.WithRegion(s.Region))
	}
	if s.AccessKeyID != "" && s.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("jitlog: failed to load AWS config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if s.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s.Endpoint)
		})
	}
	if s.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, s3Opts...), nil
}

// Close uploads the log.
func (s *S3Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.zw.Close(); err != nil {
		return err
	}
	ctx := context.Background()
	c, err := s.client(ctx)
	if err != nil {
		return err
	}
	_, err = c.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key()),
		Body:   bytes.NewReader(s.buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("jitlog: upload %s: %w", s.Key(), err)
	}
	return nil
}
