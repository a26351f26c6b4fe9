// Package cloudtest provides helpers for cloud integration tests using moto.
//
// Tests run against a local S3-compatible endpoint without real AWS
// credentials. Tests using this package are tagged
// //go:build cloudintegration.
//
// Usage:
//
//	func TestRun_S3(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    cloudtest.SeedMarkers(t, ctx, bucket, "seed/ok.flag")
//	    cloudtest.PutJSONL(t, ctx, bucket, "raw/orders/day1.jsonl", rows)
//	    m := manifest.Manifest{SourceStore: cloudtest.Connection(t, bucket)}
//	}
package cloudtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3leaps/lakeflow/pkg/manifest"
	"github.com/3leaps/lakeflow/pkg/objstore"
	providers3 "github.com/3leaps/lakeflow/pkg/provider/s3"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	DefaultRegion = "us-east-1"

	// moto accepts any credentials.
	TestAccessKeyID     = "testing"
	TestSecretAccessKey = "testing"

	// Environment variables Connection points manifests at.
	AccessKeyEnv = "LAKEFLOW_TEST_ACCESS_KEY"
	SecretKeyEnv = "LAKEFLOW_TEST_SECRET_KEY"
)

var (
	// Endpoint is configurable via MOTO_ENDPOINT.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is configurable via MOTO_REGION.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	client     *s3.Client
	clientOnce sync.Once
	clientErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: make moto-start)", Endpoint)
	}
}

// Client returns a shared raw S3 client configured for moto. Fixtures are
// written through it so they do not depend on the code under test.
func Client() (*s3.Client, error) {
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID, TestSecretAccessKey, "")),
		)
		if err != nil {
			clientErr = fmt.Errorf("load config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	return client, clientErr
}

func clientT(t *testing.T) *s3.Client {
	t.Helper()
	c, err := Client()
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	return c
}

// Connection returns a manifest connection for bucket on moto and exports
// the credentials it names.
func Connection(t *testing.T, bucket string) manifest.ConnectionConfig {
	t.Helper()
	t.Setenv(AccessKeyEnv, TestAccessKeyID)
	t.Setenv(SecretKeyEnv, TestSecretAccessKey)
	return manifest.ConnectionConfig{
		Provider:       "s3",
		Bucket:         bucket,
		Region:         Region,
		Endpoint:       Endpoint,
		AccessKeyEnv:   AccessKeyEnv,
		SecretKeyEnv:   SecretKeyEnv,
		ForcePathStyle: true,
	}
}

// Store returns an object store client over the lakeflow S3 provider.
func Store(t *testing.T, ctx context.Context, bucket string) *objstore.Client {
	t.Helper()
	p, err := providers3.New(ctx, providers3.Config{
		Bucket:          bucket,
		Endpoint:        Endpoint,
		Region:          Region,
		AccessKeyID:     TestAccessKeyID,
		SecretAccessKey: TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	if err != nil {
		t.Fatalf("failed to create provider for %s: %v", bucket, err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return objstore.New(p)
}

// CreateBucket creates a uniquely named bucket and deletes it on cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-").Replace(name)
	// S3 bucket names max 63 chars
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	if _, err := clientT(t).CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { DeleteBucket(t, context.Background(), name) })
	return name
}

// DeleteBucket deletes a bucket and all its contents.
func DeleteBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()
	c := clientT(t)

	for _, key := range Keys(t, ctx, bucket, "") {
		if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
			t.Logf("warning: failed to delete object %s: %v", key, err)
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// PutBucketPolicy sets a bucket policy.
func PutBucketPolicy(t *testing.T, ctx context.Context, bucket, policyJSON string) {
	t.Helper()
	_, err := clientT(t).PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(policyJSON),
	})
	if err != nil {
		t.Fatalf("failed to put bucket policy for %s: %v", bucket, err)
	}
}

// PutObject uploads an object to the bucket.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()
	_, err := clientT(t).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		t.Fatalf("failed to put object %s/%s: %v", bucket, key, err)
	}
}

// PutObjects uploads placeholder objects under keys.
func PutObjects(t *testing.T, ctx context.Context, bucket string, keys []string) {
	t.Helper()
	for _, key := range keys {
		PutObject(t, ctx, bucket, key, []byte("test content for "+key))
	}
}

// SeedMarkers writes empty seed marker objects.
func SeedMarkers(t *testing.T, ctx context.Context, bucket string, markers ...string) {
	t.Helper()
	for _, m := range markers {
		PutObject(t, ctx, bucket, m, []byte("ok"))
	}
}

// PutJSONL writes rows as one JSON object per line, the way raw exports
// arrive.
func PutJSONL(t *testing.T, ctx context.Context, bucket, key string, rows []map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			t.Fatalf("encode row for %s: %v", key, err)
		}
	}
	PutObject(t, ctx, bucket, key, buf.Bytes())
}

// Keys lists every key under prefix, sorted.
func Keys(t *testing.T, ctx context.Context, bucket, prefix string) []string {
	t.Helper()
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(clientT(t), &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list %s/%s: %v", bucket, prefix, err)
			break
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys
}
