package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/kenneth/backupvault/internal/engineerr"
)

// multipartThreshold is the payload size above which S3Backend.Put switches
// from a single PutObject call to a multipart upload. S3 caps a single PUT
// body at 5GiB; chunks are bounded well under that, but manifests and large
// restore-side reads of concatenated blobs are not.
const multipartThreshold = 64 * 1024 * 1024

// multipartPartSize is the size of each part in a multipart upload.
const multipartPartSize = 16 * 1024 * 1024

// S3Config describes how to reach an S3-compatible storage target.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Provider  string
	AccessKey string
	SecretKey string
	// PathStyle forces path-style bucket addressing; left unset, it is
	// derived from Provider via RequiresPathStyleAddressing.
	PathStyle bool
}

// s3API is the slice of the AWS SDK's S3 client this backend calls,
// narrowed to an interface so tests can substitute a fake.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Backend implements Backend against an S3-compatible object store,
// with multipart upload above multipartThreshold and single PutObject
// below it.
type S3Backend struct {
	client s3API
	bucket string
}

// NewS3Backend creates an S3-compatible storage backend.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", engineerr.ErrUserInput)
	}

	region := cfg.Region
	endpoint := cfg.Endpoint
	if cfg.Provider != "" {
		var err error
		endpoint, region, err = ResolveEndpointAndRegion(endpoint, cfg.Provider, region)
		if err != nil {
			return nil, err
		}
	}
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	pathStyle := cfg.PathStyle || RequiresPathStyleAddressing(cfg.Provider)
	var s3Options []func(*s3.Options)
	if endpoint != "" && cfg.Provider != "aws" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = pathStyle
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)
	return &S3Backend{client: client, bucket: cfg.Bucket}, nil
}

func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if size > multipartThreshold {
		return b.putMultipart(ctx, key, r)
	}
	return b.putSingle(ctx, key, r)
}

func (b *S3Backend) PutIfAbsent(ctx context.Context, key string, r io.Reader, size int64) error {
	exists, err := b.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: key %q already exists", engineerr.ErrBackendFatal, key)
	}
	// Head-then-put is a best-effort race guard; the repository assumes a
	// single writer per key, so a lost race needs human intervention anyway.
	return b.Put(ctx, key, r, size)
}

func (b *S3Backend) putSingle(ctx context.Context, key string, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read payload for %q: %w", key, err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return b.wrapErr(fmt.Sprintf("put %q", key), err)
	}
	return nil
}

func (b *S3Backend) putMultipart(ctx context.Context, key string, r io.Reader) error {
	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.wrapErr(fmt.Sprintf("create multipart upload for %q", key), err)
	}
	uploadID := created.UploadId

	var completed []types.CompletedPart
	buf := make([]byte, multipartPartSize)
	partNum := int32(1)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			part, uploadErr := b.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(b.bucket),
				Key:        aws.String(key),
				UploadId:   uploadID,
				PartNumber: aws.Int32(partNum),
				Body:       bytes.NewReader(buf[:n]),
			})
			if uploadErr != nil {
				b.abortMultipart(ctx, key, uploadID)
				return b.wrapErr(fmt.Sprintf("upload part %d for %q", partNum, key), uploadErr)
			}
			completed = append(completed, types.CompletedPart{
				ETag:       part.ETag,
				PartNumber: aws.Int32(partNum),
			})
			partNum++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			b.abortMultipart(ctx, key, uploadID)
			return fmt.Errorf("read payload for %q: %w", key, readErr)
		}
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		b.abortMultipart(ctx, key, uploadID)
		return b.wrapErr(fmt.Sprintf("complete multipart upload for %q", key), err)
	}
	return nil
}

func (b *S3Backend) abortMultipart(ctx context.Context, key string, uploadID *string) {
	_, _ = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
}

func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: key %q", engineerr.ErrNotFound, key)
		}
		return nil, b.wrapErr(fmt.Sprintf("get %q", key), err)
	}
	return result.Body, nil
}

func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return false, nil
	}
	return false, b.wrapErr(fmt.Sprintf("head %q", key), err)
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.wrapErr(fmt.Sprintf("delete %q", key), err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		result, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, b.wrapErr(fmt.Sprintf("list %q", prefix), err)
		}
		for _, obj := range result.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if result.NextContinuationToken == nil {
			break
		}
		token = result.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// wrapErr classifies an AWS SDK error as transient (worth retrying with
// backoff at the pipeline layer) or fatal.
func (b *S3Backend) wrapErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "RequestTimeout") ||
		strings.Contains(msg, "SlowDown") ||
		strings.Contains(msg, "InternalError") ||
		strings.Contains(msg, "ServiceUnavailable") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") {
		return fmt.Errorf("%s: %w: %v", op, engineerr.ErrBackendTransient, err)
	}
	return fmt.Errorf("%s: %w: %v", op, engineerr.ErrBackendFatal, err)
}
