package dlq

// Config holds configuration for the rejected-batch archive.
type Config struct {
	// Enabled turns archiving on. When false rejected batches are dropped.
	Enabled bool `env:"ENABLED" envDefault:"false"`

	S3 S3Config `envPrefix:"S3_"`
}

// S3Config holds S3/MinIO configuration.
type S3Config struct {
	// Endpoint is the S3 endpoint URL (e.g., "http://localhost:9000" for MinIO)
	Endpoint string `env:"ENDPOINT" envDefault:"http://localhost:9000"`

	Region string `env:"REGION" envDefault:"us-east-1"`

	Bucket string `env:"BUCKET" envDefault:"outbox-rejected"`

	AccessKeyID     string `env:"ACCESS_KEY_ID" envDefault:"minioadmin"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY" envDefault:"minioadmin"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `env:"USE_PATH_STYLE" envDefault:"true"`

	// Prefix is the key prefix for archived envelopes
	Prefix string `env:"PREFIX" envDefault:"rejected"`
}
