// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package s3store implements a blob backend on S3 compatible services
// using a persistent, keep-alive HTTP client. Short operations run
// under a 3s deadline and uploads under 300s; downloads stream under
// the caller's context alone.
package s3store

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/blobstore"
)

var (
	// Error is the default s3store error class.
	Error = errs.Class("s3store")

	mon = monkit.Package()
)

const (
	shortOpTimeout = 3 * time.Second
	uploadTimeout  = 300 * time.Second

	maxRetries      = 3
	deleteBatchSize = 1000
)

// Config configures the S3 backend. Credentials come from the standard
// SDK chain.
type Config struct {
	Endpoint       string `help:"S3 endpoint, empty for AWS" default:""`
	Region         string `help:"S3 region" default:"us-east-1"`
	ForcePathStyle bool   `help:"use path style addressing, required for most non-AWS endpoints" default:"false"`
}

// Store implements blobstore.Store on S3.
//
// architecture: Database
type Store struct {
	log       *zap.Logger
	client    *s3.S3
	uploader  *s3manager.Uploader
	transport *http.Transport
}

// New creates an S3 backend with a persistent client.
func New(log *zap.Logger, config Config) (*Store, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   shortOpTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   shortOpTimeout,
		ExpectContinueTimeout: time.Second,
	}

	awsConfig := aws.NewConfig().
		WithRegion(config.Region).
		WithMaxRetries(maxRetries).
		WithHTTPClient(&http.Client{Transport: transport})
	if config.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(config.Endpoint)
	}
	if config.ForcePathStyle {
		awsConfig = awsConfig.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{
		log:       log,
		client:    s3.New(sess),
		uploader:  s3manager.NewUploader(sess),
		transport: transport,
	}, nil
}

// GetObject opens the blob for reading. No deadline is set beyond the
// caller's; the body may stream for a long time.
func (store *Store) GetObject(ctx context.Context, bucket, key string, cond blobstore.Conditions) (_ *blobstore.Download, err error) {
	defer mon.Task()(&ctx)(&err)

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if cond.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(cond.IfNoneMatch)
	}
	if cond.IfModifiedSince != nil {
		input.IfModifiedSince = cond.IfModifiedSince
	}
	if cond.Range != "" {
		input.Range = aws.String(cond.Range)
	}

	out, err := store.client.GetObjectWithContext(ctx, input)
	if err != nil {
		return nil, normalize(err)
	}
	return &blobstore.Download{
		Metadata: blobstore.Metadata{
			Size:         aws.Int64Value(out.ContentLength),
			ETag:         trimQuotes(aws.StringValue(out.ETag)),
			ContentType:  aws.StringValue(out.ContentType),
			CacheControl: aws.StringValue(out.CacheControl),
			LastModified: aws.TimeValue(out.LastModified),
		},
		Body:         out.Body,
		ContentRange: aws.StringValue(out.ContentRange),
	}, nil
}

// UploadObject streams body to the blob and heads it afterwards so the
// returned metadata reflects what S3 stored.
func (store *Store) UploadObject(ctx context.Context, bucket, key string, body io.Reader, opts blobstore.PutOptions) (_ blobstore.Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	input := &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}

	if _, err := store.uploader.UploadWithContext(ctx, input); err != nil {
		return blobstore.Metadata{}, normalize(err)
	}
	return store.HeadObject(ctx, bucket, key)
}

// CopyObject copies srcKey to dstKey server side. Large copies can take
// a while, so this runs under the upload deadline.
func (store *Store) CopyObject(ctx context.Context, bucket, srcKey, dstKey string, cond blobstore.Conditions) (_ blobstore.Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	input := &s3.CopyObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(copySource(bucket, srcKey)),
		MetadataDirective: aws.String(s3.MetadataDirectiveCopy),
	}
	if cond.IfNoneMatch != "" {
		input.CopySourceIfNoneMatch = aws.String(cond.IfNoneMatch)
	}
	if cond.IfModifiedSince != nil {
		input.CopySourceIfModifiedSince = cond.IfModifiedSince
	}

	if _, err := store.client.CopyObjectWithContext(ctx, input); err != nil {
		return blobstore.Metadata{}, normalize(err)
	}
	return store.HeadObject(ctx, bucket, dstKey)
}

// DeleteObject removes the blob. Deleting a missing blob is not an
// error; S3 already answers 204 for those.
func (store *Store) DeleteObject(ctx context.Context, bucket, key, version string) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, shortOpTimeout)
	defer cancel()

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if version != "" {
		input.VersionId = aws.String(version)
	}

	if _, err := store.client.DeleteObjectWithContext(ctx, input); err != nil {
		err = normalize(err)
		if blobstore.ErrNotFound.Has(err) {
			return nil
		}
		return err
	}
	return nil
}

// DeleteObjects removes blobs in batches of up to 1000, the S3 cap.
// Keys that are already gone do not count as failures.
func (store *Store) DeleteObjects(ctx context.Context, bucket string, keys []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	for len(keys) > 0 {
		batch := keys
		if len(batch) > deleteBatchSize {
			batch = keys[:deleteBatchSize]
		}
		keys = keys[len(batch):]

		objects := make([]*s3.ObjectIdentifier, 0, len(batch))
		for _, key := range batch {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := store.deleteBatch(ctx, bucket, objects)
		if err != nil {
			return err
		}
		for _, failed := range out.Errors {
			code := aws.StringValue(failed.Code)
			if code == s3.ErrCodeNoSuchKey || code == "NotFound" {
				continue
			}
			group.Add(Error.New("delete %q: %s: %s",
				aws.StringValue(failed.Key), code, aws.StringValue(failed.Message)))
		}
	}
	return group.Err()
}

func (store *Store) deleteBatch(ctx context.Context, bucket string, objects []*s3.ObjectIdentifier) (*s3.DeleteObjectsOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, shortOpTimeout)
	defer cancel()

	out, err := store.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return nil, normalize(err)
	}
	return out, nil
}

// HeadObject returns the metadata of the blob.
func (store *Store) HeadObject(ctx context.Context, bucket, key string) (_ blobstore.Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, shortOpTimeout)
	defer cancel()

	out, err := store.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return blobstore.Metadata{}, normalize(err)
	}
	return blobstore.Metadata{
		Size:         aws.Int64Value(out.ContentLength),
		ETag:         trimQuotes(aws.StringValue(out.ETag)),
		ContentType:  aws.StringValue(out.ContentType),
		CacheControl: aws.StringValue(out.CacheControl),
		LastModified: aws.TimeValue(out.LastModified),
	}, nil
}

// List returns one page of keys. S3 cannot filter by date server side,
// so Before drops entries after the page is fetched; a page may come
// back empty while NextToken still advances.
func (store *Store) List(ctx context.Context, bucket string, opts blobstore.ListOptions) (page blobstore.ListPage, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, shortOpTimeout)
	defer cancel()

	limit := opts.Limit
	if limit <= 0 || limit > blobstore.MaxListLimit {
		limit = blobstore.MaxListLimit
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int64(int64(limit)),
	}
	if opts.Prefix != "" {
		input.Prefix = aws.String(opts.Prefix)
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := store.client.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return blobstore.ListPage{}, normalize(err)
	}

	page.Entries = make([]blobstore.ListEntry, 0, len(out.Contents))
	for _, content := range out.Contents {
		modified := aws.TimeValue(content.LastModified)
		if !opts.Before.IsZero() && !modified.Before(opts.Before) {
			continue
		}
		page.Entries = append(page.Entries, blobstore.ListEntry{
			Key:          aws.StringValue(content.Key),
			Size:         aws.Int64Value(content.Size),
			LastModified: modified,
		})
	}
	page.NextToken = aws.StringValue(out.NextContinuationToken)
	return page, nil
}

// UpdateObjectInfoMetadata copies the blob onto itself with a metadata
// replace directive, which makes S3 restate the stored metadata.
func (store *Store) UpdateObjectInfoMetadata(ctx context.Context, bucket, key string) (_ blobstore.Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	current, err := store.HeadObject(ctx, bucket, key)
	if err != nil {
		return blobstore.Metadata{}, err
	}

	copyCtx, cancel := context.WithTimeout(ctx, shortOpTimeout)
	defer cancel()

	input := &s3.CopyObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(copySource(bucket, key)),
		MetadataDirective: aws.String(s3.MetadataDirectiveReplace),
	}
	if current.ContentType != "" {
		input.ContentType = aws.String(current.ContentType)
	}
	if current.CacheControl != "" {
		input.CacheControl = aws.String(current.CacheControl)
	}

	if _, err := store.client.CopyObjectWithContext(copyCtx, input); err != nil {
		return blobstore.Metadata{}, normalize(err)
	}
	return store.HeadObject(ctx, bucket, key)
}

// Close drops idle connections.
func (store *Store) Close() error {
	store.transport.CloseIdleConnections()
	return nil
}

// copySource builds the x-amz-copy-source value. Each path segment is
// escaped; the slashes separating them are not.
func copySource(bucket, key string) string {
	segments := strings.Split(bucket+"/"+key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func trimQuotes(tag string) string {
	return strings.Trim(tag, `"`)
}
