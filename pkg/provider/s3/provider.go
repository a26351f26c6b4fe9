package s3

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/lakeflow/pkg/provider"
)

// Provider stores lake objects in one S3 bucket.
type Provider struct {
	client *s3.Client
	cfg    Config
}

var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.ObjectGetter      = (*Provider)(nil)
	_ provider.ObjectPutter      = (*Provider)(nil)
	_ provider.ObjectDeleter     = (*Provider)(nil)
	_ provider.ConditionalPutter = (*Provider)(nil)
)

// New creates an S3 provider. Credentials are resolved here; no request is
// sent until first use.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, &cfg)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Provider{client: client, cfg: cfg}, nil
}

func loadAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = cfg.region(awsCfg.Region)
	return awsCfg, nil
}

// List returns a page of objects under opts.Prefix.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.cfg.Bucket),
		MaxKeys: aws.Int32(int32(p.cfg.pageSize(opts.MaxKeys))),
	}
	if opts.Prefix != "" {
		input.Prefix = aws.String(opts.Prefix)
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := p.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	res := &provider.ListResult{
		Objects:           make([]provider.ObjectSummary, 0, len(out.Contents)),
		IsTruncated:       aws.ToBool(out.IsTruncated),
		ContinuationToken: aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		res.Objects = append(res.Objects, provider.ObjectSummary{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         cleanETag(aws.ToString(obj.ETag)),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return res, nil
}

// Head returns metadata for key, or an error matching provider.ErrNotFound.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         cleanETag(aws.ToString(out.ETag)),
			LastModified: aws.ToTime(out.LastModified),
		},
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}, nil
}

// GetObject streams an object body. The caller must close the reader.
func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// PutObject uploads an object unconditionally.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_, err := p.PutObjectIf(ctx, key, body, contentLength, provider.WriteCondition{})
	return err
}

// PutObjectIf uploads an object guarded by S3 conditional write headers.
//
// IfNoneMatch maps to "If-None-Match: *" and IfMatchETag to "If-Match".
// A lost race (412 PreconditionFailed or 409 ConditionalRequestConflict)
// maps to provider.ErrPreconditionFailed.
func (p *Provider) PutObjectIf(ctx context.Context, key string, body io.Reader, contentLength int64, cond provider.WriteCondition) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(contentLength),
	}
	if cond.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}
	if cond.IfMatchETag != "" {
		input.IfMatch = aws.String(quoteETag(cond.IfMatchETag))
	}

	out, err := p.client.PutObject(ctx, input)
	if err != nil {
		return "", p.wrapError("PutObject", key, err)
	}
	return cleanETag(aws.ToString(out.ETag)), nil
}

// DeleteObject deletes an object. S3 treats a missing key as success.
func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

func (p *Provider) Close() error { return nil }

// errorCodes maps S3 API error codes to provider sentinels.
var errorCodes = map[string]error{
	"NoSuchKey":                  provider.ErrNotFound,
	"NotFound":                   provider.ErrNotFound,
	"NoSuchBucket":               provider.ErrBucketNotFound,
	"AccessDenied":               provider.ErrAccessDenied,
	"Forbidden":                  provider.ErrAccessDenied,
	"InvalidAccessKeyId":         provider.ErrInvalidCredentials,
	"SignatureDoesNotMatch":      provider.ErrInvalidCredentials,
	"SlowDown":                   provider.ErrThrottled,
	"Throttling":                 provider.ErrThrottled,
	"RequestLimitExceeded":       provider.ErrThrottled,
	"ServiceUnavailable":         provider.ErrProviderUnavailable,
	"InternalError":              provider.ErrProviderUnavailable,
	"PreconditionFailed":         provider.ErrPreconditionFailed,
	"ConditionalRequestConflict": provider.ErrPreconditionFailed,
}

// messageHints classifies errors that carry no API code, such as HEAD
// responses without a body. Order matters: NoSuchBucket before NotFound.
var messageHints = []struct {
	needles  []string
	sentinel error
}{
	{[]string{"NoSuchBucket"}, provider.ErrBucketNotFound},
	{[]string{"NoSuchKey", "NotFound", "404"}, provider.ErrNotFound},
	{[]string{"AccessDenied", "Forbidden", "403"}, provider.ErrAccessDenied},
	{[]string{"InvalidAccessKeyId", "SignatureDoesNotMatch"}, provider.ErrInvalidCredentials},
	{[]string{"SlowDown", "Throttling", "429"}, provider.ErrThrottled},
	{[]string{"ServiceUnavailable", "503"}, provider.ErrProviderUnavailable},
	{[]string{"PreconditionFailed", "412"}, provider.ErrPreconditionFailed},
}

// wrapError converts an SDK error into a ProviderError carrying a sentinel
// when the failure is recognised.
func (p *Provider) wrapError(op, key string, err error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderS3,
		Bucket:   p.cfg.Bucket,
		Key:      key,
		Err:      classify(err),
	}
}

func classify(err error) error {
	var (
		notFound     *types.NotFound
		noSuchKey    *types.NoSuchKey
		noSuchBucket *types.NoSuchBucket
		apiErr       smithy.APIError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return provider.ErrNotFound
	case errors.As(err, &noSuchBucket):
		return provider.ErrBucketNotFound
	case errors.As(err, &apiErr):
		if sentinel, ok := errorCodes[apiErr.ErrorCode()]; ok {
			return sentinel
		}
		return err
	}

	msg := err.Error()
	for _, h := range messageHints {
		for _, n := range h.needles {
			if strings.Contains(msg, n) {
				return h.sentinel
			}
		}
	}
	return err
}

// cleanETag strips the quotes S3 puts around ETags.
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func quoteETag(etag string) string {
	return "\"" + cleanETag(etag) + "\""
}
