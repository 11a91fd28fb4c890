package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TableConfig holds the DynamoDB connection settings
type TableConfig struct {
	Name            string
	Region          string
	Endpoint        string // Optional override, e.g. DynamoDB Local
	AccessKeyID     string // Empty uses the default AWS credential chain
	SecretAccessKey string
}

// NewDynamoClient builds a DynamoDB client from cfg
func NewDynamoClient(ctx context.Context, cfg TableConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &BackendError{Backend: BackendTable, Op: "load aws config", Err: err}
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// CreateTable provisions the summaries table with its url hash index and
// waits until it is active. An existing table is left untouched.
func CreateTable(ctx context.Context, client DynamoAPI, name string, maxWait time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: types.BillingModePayPerRequest,
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrSummaryID), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrSummaryID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrURLHash), AttributeType: types.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(URLHashIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(attrURLHash), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})

	var inUse *types.ResourceInUseException
	switch {
	case errors.As(err, &inUse):
		logger.Info("table already exists", "table", name)
	case err != nil:
		return &BackendError{Backend: BackendTable, Op: "create table", Err: err}
	default:
		logger.Info("creating table", "table", name, "index", URLHashIndex)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, maxWait); err != nil {
		return fmt.Errorf("wait for table %s: %w", name, err)
	}
	return nil
}
