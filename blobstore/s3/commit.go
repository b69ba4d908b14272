package s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConcurrentCommit is returned when another writer committed the same
// generation first.
var ErrConcurrentCommit = errors.New("concurrent commit detected")

// DDBClient is the subset of the DynamoDB API the generation store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// GenerationStore tracks the committed manifest generation of a snapshot
// path in DynamoDB. S3 offers no compare-and-swap, so the CURRENT pointer
// lives here: a conditional put per generation gives multiple writers safe
// coordination.
//
// Table schema: partition key snapshot_path (S), sort key generation (N).
// Create with:
//
//	aws dynamodb create-table \
//	  --table-name quarry-commits \
//	  --attribute-definitions AttributeName=snapshot_path,AttributeType=S AttributeName=generation,AttributeType=N \
//	  --key-schema AttributeName=snapshot_path,KeyType=HASH AttributeName=generation,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type GenerationStore struct {
	client       DDBClient
	tableName    string
	snapshotPath string
}

// NewGenerationStore creates a generation store for snapshotPath, normally
// the "s3://bucket/prefix" the blobs live under.
func NewGenerationStore(client DDBClient, tableName, snapshotPath string) *GenerationStore {
	return &GenerationStore{
		client:       client,
		tableName:    tableName,
		snapshotPath: snapshotPath,
	}
}

// Latest returns the highest committed generation and its manifest blob
// name. A path with no commits yet returns generation zero.
func (g *GenerationStore) Latest(ctx context.Context) (uint64, string, error) {
	resp, err := g.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(g.tableName),
		KeyConditionExpression: aws.String("snapshot_path = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: g.snapshotPath},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to query generation: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	genAttr, ok := item["generation"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("invalid generation attribute")
	}
	manifestAttr, ok := item["manifest"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("invalid manifest attribute")
	}

	var gen uint64
	if _, err := fmt.Sscanf(genAttr.Value, "%d", &gen); err != nil {
		return 0, "", fmt.Errorf("failed to parse generation: %w", err)
	}
	return gen, manifestAttr.Value, nil
}

// Commit records generation pointing at manifest. The conditional put
// fails with ErrConcurrentCommit when the generation already exists.
func (g *GenerationStore) Commit(ctx context.Context, generation uint64, manifest string) error {
	_, err := g.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(g.tableName),
		Item: map[string]types.AttributeValue{
			"snapshot_path": &types.AttributeValueMemberS{Value: g.snapshotPath},
			"generation":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", generation)},
			"manifest":      &types.AttributeValueMemberS{Value: manifest},
		},
		ConditionExpression: aws.String("attribute_not_exists(generation)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentCommit
		}
		return fmt.Errorf("failed to commit generation: %w", err)
	}
	return nil
}
