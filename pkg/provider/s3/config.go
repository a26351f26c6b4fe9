// Package s3 implements the provider interface for AWS S3 and S3-compatible
// storage reached through the AWS SDK.
package s3

import "fmt"

// Config configures an S3 provider for one bucket of a source or lake store.
//
// Static keys take precedence; otherwise the SDK default chain applies
// (environment, shared config/profile, instance or task role).
type Config struct {
	Bucket string

	// Region may be empty. AWS endpoints fall back to DefaultAWSRegion;
	// custom endpoints get no default.
	Region string

	// Endpoint targets an S3-compatible store such as moto or Wasabi.
	Endpoint string

	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host name.
	ForcePathStyle bool

	// MaxKeys is the List page size. Zero means DefaultMaxKeys.
	MaxKeys int
}

const (
	DefaultMaxKeys   = 1000
	MaxAllowedKeys   = 1000
	DefaultAWSRegion = "us-east-1"
)

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "access key and secret key must be set together",
		}
	}
	return nil
}

// pageSize applies the configured default and the S3 ceiling to a
// requested List page size.
func (c *Config) pageSize(requested int) int {
	if requested <= 0 {
		requested = c.MaxKeys
	}
	if requested <= 0 {
		requested = DefaultMaxKeys
	}
	return min(requested, MaxAllowedKeys)
}

// region returns the region to use once the SDK has resolved its own.
func (c *Config) region(resolved string) string {
	switch {
	case resolved != "":
		return resolved
	case c.Endpoint == "":
		return DefaultAWSRegion
	default:
		return ""
	}
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("s3 config: %s: %s", e.Field, e.Message)
}
