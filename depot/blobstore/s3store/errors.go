// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package s3store

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"

	"storj.io/depot/depot/blobstore"
)

// normalize maps SDK failures onto the blobstore error classes. Codes
// are checked before HTTP status so that specific S3 responses keep
// their meaning even when the status is generic.
func normalize(err error) error {
	if err == nil {
		return nil
	}

	var awsErr awserr.Error
	if !errors.As(err, &awsErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return blobstore.ErrInternal.Wrap(err)
	}

	// The SDK folds context cancellation into its own code; hand the
	// original error back so callers can match on it.
	if awsErr.Code() == request.CanceledErrorCode {
		if orig := awsErr.OrigErr(); orig != nil {
			return orig
		}
		return context.Canceled
	}

	switch awsErr.Code() {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
		return blobstore.ErrNotFound.Wrap(err)
	case "NotModified":
		return blobstore.ErrNotModified.Wrap(err)
	case "PreconditionFailed":
		return blobstore.ErrPreconditionFailed.Wrap(err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
		return blobstore.ErrAccessDenied.Wrap(err)
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
		return blobstore.ErrThrottled.Wrap(err)
	case request.ErrCodeRequestError, request.ErrCodeSerialization, "RequestTimeout":
		return blobstore.ErrUnavailable.Wrap(err)
	}

	var reqFail awserr.RequestFailure
	if errors.As(err, &reqFail) {
		switch status := reqFail.StatusCode(); {
		case status == http.StatusNotModified:
			return blobstore.ErrNotModified.Wrap(err)
		case status == http.StatusNotFound:
			return blobstore.ErrNotFound.Wrap(err)
		case status == http.StatusPreconditionFailed:
			return blobstore.ErrPreconditionFailed.Wrap(err)
		case status == http.StatusForbidden:
			return blobstore.ErrAccessDenied.Wrap(err)
		case status == http.StatusTooManyRequests:
			return blobstore.ErrThrottled.Wrap(err)
		case status >= http.StatusInternalServerError:
			return blobstore.ErrUnavailable.Wrap(err)
		}
	}
	return blobstore.ErrInternal.Wrap(err)
}
