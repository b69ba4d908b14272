package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewStoreFromEnv creates a Store using the ambient AWS configuration
// (environment, shared config files, instance role).
func NewStoreFromEnv(ctx context.Context, bucket, rootPrefix string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return NewStore(s3.NewFromConfig(cfg), bucket, rootPrefix), nil
}

// NewGenerationStoreFromEnv creates a GenerationStore using the ambient
// AWS configuration.
func NewGenerationStoreFromEnv(ctx context.Context, tableName, snapshotPath string) (*GenerationStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return NewGenerationStore(dynamodb.NewFromConfig(cfg), tableName, snapshotPath), nil
}
