package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store is the Store implementation backed by an S3-compatible object
// store — the concrete home for the aws-sdk-go-v2 dependency the teacher's
// go.mod carried but never wired to any call site.
type S3Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucketFn func(container string) string
}

// NewS3Store wires one S3 client over every container; bucketFor maps a
// container name (blobstore.ContainerTaskConfigs, ...) to the bucket that
// backs it, so callers can either dedicate one bucket per container or
// collapse all containers into one bucket with container as a key prefix.
func NewS3Store(client *s3.Client, bucketFor func(container string) string) *S3Store {
	return &S3Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		bucketFn: bucketFor,
	}
}

func (s *S3Store) Put(ctx context.Context, container, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketFn(container)),
		Key:    aws.String(container + "/" + key),
		Body:   bytes.NewReader(body),
	})
	return err
}

func (s *S3Store) Get(ctx context.Context, container, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketFn(container)),
		Key:    aws.String(container + "/" + key),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, newNotFound(container, key)
	}
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) Delete(ctx context.Context, container, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketFn(container)),
		Key:    aws.String(container + "/" + key),
	})
	return err
}

// Exists reports whether container has at least one object under its
// "container/" prefix. bucketFn may collapse several containers into one
// shared bucket, so a HeadBucket check can't distinguish them — listing by
// prefix is the only way to ask "has this container been provisioned" that
// works for both the one-bucket-per-container and shared-bucket layouts.
func (s *S3Store) Exists(ctx context.Context, container string) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucketFn(container)),
		Prefix:  aws.String(container + "/"),
		MaxKeys: aws.Int32(1),
	})
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0, nil
}

func (s *S3Store) PresignedURL(ctx context.Context, container, key string, ttl time.Duration, readOnly bool) (string, error) {
	if readOnly {
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucketFn(container)),
			Key:    aws.String(container + "/" + key),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketFn(container)),
		Key:    aws.String(container + "/" + key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
