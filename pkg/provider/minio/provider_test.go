package minio

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/provider"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "missing endpoint", cfg: Config{Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"}, wantErr: "endpoint is required"},
		{name: "missing bucket", cfg: Config{Endpoint: "localhost:9000", AccessKeyID: "a", SecretAccessKey: "s"}, wantErr: "bucket is required"},
		{name: "missing secret", cfg: Config{Endpoint: "localhost:9000", Bucket: "b", AccessKeyID: "a"}, wantErr: "secret key are required"},
		{name: "valid", cfg: Config{Endpoint: "localhost:9000", Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitEndpoint(t *testing.T) {
	host, secure, err := splitEndpoint("https://minio.example.com:9000", false)
	require.NoError(t, err)
	assert.Equal(t, "minio.example.com:9000", host)
	assert.True(t, secure)

	host, secure, err = splitEndpoint("localhost:9000", false)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", host)
	assert.False(t, secure)
}

func TestNew_DoesNotDial(t *testing.T) {
	p, err := New(Config{Endpoint: "http://127.0.0.1:1", Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, provider.ErrNotFound},
		{minio.ErrorResponse{Code: "NoSuchBucket"}, provider.ErrBucketNotFound},
		{minio.ErrorResponse{Code: "AccessDenied"}, provider.ErrAccessDenied},
		{minio.ErrorResponse{Code: "SlowDown"}, provider.ErrThrottled},
		{minio.ErrorResponse{Code: "PreconditionFailed"}, provider.ErrPreconditionFailed},
		{minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, provider.ErrProviderUnavailable},
		{fmt.Errorf("dial tcp: connection refused"), provider.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.want.Error(), func(t *testing.T) {
			assert.True(t, errors.Is(classify(tt.err), tt.want))
		})
	}
}

func TestWrapError_KeepsContext(t *testing.T) {
	p := &Provider{bucket: "lake"}
	err := p.wrapError("Head", "landing/a.json", minio.ErrorResponse{Code: "NoSuchKey"})
	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.ProviderMinio, pe.Provider)
	assert.Equal(t, "landing/a.json", pe.Key)
	assert.True(t, provider.IsNotFound(err))
}
