// Package s3 implements the artifact store on AWS S3 and S3-compatible storage.
package s3

import "github.com/aws/aws-sdk-go-v2/service/s3/types"

// Config configures an S3 provider for one bucket. Samples and result
// bundles live in separate buckets; build one provider each.
//
// Credentials follow the SDK default chain (environment, shared files,
// instance profile) unless AccessKeyID/SecretAccessKey are both set. On a
// detonation instance the chain resolves to the instance profile.
//
// When Endpoint is set (moto, MinIO) no default region is applied.
type Config struct {
	Bucket string

	// Region defaults to us-east-1 for AWS when neither config nor
	// environment name one.
	Region string

	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle is required by most S3-compatible stores.
	ForcePathStyle bool

	// MaxKeys is the page size used when clearing a job's result prefix.
	// Zero uses 1000.
	MaxKeys int

	// Encryption is applied to every object written: "" (bucket default),
	// "AES256" or "aws:kms". Result bundles carry captured traffic and
	// memory artifacts of live malware.
	Encryption string

	// KMSKeyID selects the key for "aws:kms". Empty uses the AWS managed key.
	KMSKeyID string
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if _, err := c.serverSideEncryption(); err != nil {
		return err
	}
	if c.KMSKeyID != "" && c.Encryption != string(types.ServerSideEncryptionAwsKms) {
		return &ConfigError{Field: "KMSKeyID", Message: "requires Encryption aws:kms"}
	}
	return nil
}

func (c *Config) serverSideEncryption() (types.ServerSideEncryption, error) {
	switch c.Encryption {
	case "":
		return "", nil
	case string(types.ServerSideEncryptionAes256), string(types.ServerSideEncryptionAwsKms):
		return types.ServerSideEncryption(c.Encryption), nil
	default:
		return "", &ConfigError{Field: "Encryption", Message: "must be AES256 or aws:kms, got " + c.Encryption}
	}
}

// ConfigError is a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
