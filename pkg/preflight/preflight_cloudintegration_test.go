//go:build cloudintegration

package preflight_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/pkg/preflight"
	"github.com/3leaps/lakeflow/test/cloudtest"
)

func TestValidate_Markers_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "seed/ok.flag", []byte("1"))
	client := cloudtest.Store(t, ctx, bucket)

	_, err := preflight.NewValidator(client).Validate(ctx, []string{"seed/ok.flag"})
	require.NoError(t, err)

	rec, err := preflight.NewValidator(client).Validate(ctx, []string{"seed/ok.flag", "seed/missing.flag"})
	require.Error(t, err)
	assert.Equal(t, []string{"seed/missing.flag"}, rec.Missing)
}

func TestProbe_WriteProbe_Allowed_CleansUp(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	client := cloudtest.Store(t, ctx, bucket)

	rec, err := preflight.Probe(ctx, client, client, []string{"raw/"}, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.NoError(t, err)
	assert.Equal(t, preflight.CapTargetWrite, rec.Results[0].Capability)

	left, err := client.List(ctx, preflight.DefaultProbePrefix)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestProbe_WriteProbe_Denied(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	policy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Sid": "DenyProbeWrites",
      "Effect": "Deny",
      "Principal": "*",
      "Action": ["s3:PutObject"],
      "Resource": ["arn:aws:s3:::%s/_lakeflow/probe/*"]
    }
  ]
}`, bucket)
	cloudtest.PutBucketPolicy(t, ctx, bucket, policy)
	client := cloudtest.Store(t, ctx, bucket)

	rec, err := preflight.Probe(ctx, client, client, nil, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.Error(t, err)
	require.NotEmpty(t, rec.Results)
	assert.False(t, rec.Results[0].Allowed)
	assert.Equal(t, "ACCESS_DENIED", rec.Results[0].ErrorCode)
}
