// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package s3store provides a storage driver backed by an AWS S3 bucket. S3
// does not deliver change events, the store is not a storage.Watcher.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/storage"
)

// Configuration is the configuration of the S3 driver
type Configuration struct {
	AWSRegion     string
	AWSBucketName string
	// KeyPrefix is prepended to all keys
	KeyPrefix string
	// AccessID and AccessKey are optional, without them the default
	// credential chain is used
	AccessID  string
	AccessKey string
	// Endpoint is optional, e.g. for S3 compatible services
	Endpoint string
}

// Store is the implementation of storage.Driver for AWS S3
type Store struct {
	client      *s3.Client
	bucket      string
	baseKeyName string
}

// New returns a new Store
func New(ctx context.Context, s3Config Configuration) (*Store, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(s3Config.AWSRegion)}
	if s3Config.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s3Config.Endpoint != "" {
			o.EndpointResolver = s3.EndpointResolverFromURL(s3Config.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Component("s3store").Debugln("S3 storage enabled, bucket", s3Config.AWSBucketName)
	return &Store{client: client, bucket: s3Config.AWSBucketName, baseKeyName: s3Config.KeyPrefix}, nil
}

// Get implements storage.Driver
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Set implements storage.Driver
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("failed to upload key '%s': %w", key, err)
	}
	return nil
}

// Remove implements storage.Driver
func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		return fmt.Errorf("could not delete key '%s': %w", key, err)
	}
	return nil
}

// Clear implements storage.Driver. It deletes all keys with the prefix.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.listAll(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("could not delete key '%s': %w", key, err)
		}
	}
	return nil
}

// listAll lists all full keys with the prefix
func (s *Store) listAll(ctx context.Context) (keys []string, err error) {
	var continuationToken *string
	for {
		var resp *s3.ListObjectsV2Output
		resp, err = s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.baseKeyName),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("could not list bucket %s: %w", s.bucket, err)
		}
		for _, item := range resp.Contents {
			keys = append(keys, *item.Key)
		}
		continuationToken = resp.NextContinuationToken
		if continuationToken == nil {
			break
		}
	}
	return
}

// Close implements storage.Driver
func (s *Store) Close() error {
	return nil
}
