package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DefaultDynamoKey is the partition key value of the watermark item.
const DefaultDynamoKey = "odooetl-watermarks"

// DynamoConfig configures NewDynamoBackend.
type DynamoConfig struct {
	Region          string
	Table           string
	Key             string
	Endpoint        string // custom endpoint, e.g. LocalStack
	AccessKeyID     string
	SecretAccessKey string
}

// dynamoAPI is the subset of *dynamodb.Client the backend uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoBackend stores the JSON document in a single DynamoDB item with a
// string partition key "key" and a binary attribute "value".
type DynamoBackend struct {
	client dynamoAPI
	table  string
	key    string
	now    func() time.Time
}

// NewDynamoBackend loads the AWS config, optionally overriding credentials
// and endpoint, and checks that the table exists.
func NewDynamoBackend(ctx context.Context, cfg DynamoConfig) (*DynamoBackend, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("watermark: dynamodb region is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("watermark: dynamodb table is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultDynamoKey
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("watermark: load AWS config: %w", err)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(awsCfg, opts...)

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.DescribeTable(dctx, &dynamodb.DescribeTableInput{TableName: aws.String(cfg.Table)}); err != nil {
		return nil, fmt.Errorf("watermark: describe dynamodb table %s: %w", cfg.Table, err)
	}
	return &DynamoBackend{client: client, table: cfg.Table, key: cfg.Key, now: time.Now}, nil
}

func (d *DynamoBackend) Describe() string { return "dynamodb:" + d.table + "/" + d.key }

func (d *DynamoBackend) Load(ctx context.Context) (map[string]int64, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: d.key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", d.key, err)
	}
	if out.Item == nil {
		return map[string]int64{}, nil
	}
	v, ok := out.Item["value"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("item %s: value attribute missing or not binary", d.key)
	}
	return decodeDocument(v.Value, d.Describe())
}

func (d *DynamoBackend) Save(ctx context.Context, m map[string]int64) error {
	doc, err := encodeDocument(m)
	if err != nil {
		return err
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"key":        &types.AttributeValueMemberS{Value: d.key},
			"value":      &types.AttributeValueMemberB{Value: doc},
			"updated_at": &types.AttributeValueMemberS{Value: d.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("put item %s: %w", d.key, err)
	}
	return nil
}
