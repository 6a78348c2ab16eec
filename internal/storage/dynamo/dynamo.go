package dynamo

import (
	"context"
	"ecobridge/internal/storage"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the subset of the DynamoDB client used by the store
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type item struct {
	Name    string `dynamodbav:"name"`
	Data    string `dynamodbav:"data"`
	Version int64  `dynamodbav:"version"`
}

// DynamoStorage implements storage.Store on a DynamoDB table whose
// partition key is the string attribute "name".
type DynamoStorage struct {
	client    API
	table     string
	namespace string
}

// New loads the default AWS configuration and returns a store
func New(ctx context.Context, table, namespace string) (*DynamoStorage, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewWithClient(dynamodb.NewFromConfig(cfg), table, namespace), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client API, table, namespace string) *DynamoStorage {
	return &DynamoStorage{client: client, table: table, namespace: namespace}
}

func (s *DynamoStorage) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: s.namespace},
	}
}

// Load retrieves the namespace document with a strongly consistent read
func (s *DynamoStorage) Load(ctx context.Context) (*storage.Document, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get custom data: %w", err)
	}
	if len(out.Item) == 0 {
		return storage.NewDocument(), nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal custom data: %w", err)
	}
	return storage.DecodeDocument([]byte(it.Data), it.Version)
}

// Save writes the document with a condition on the stored version
func (s *DynamoStorage) Save(ctx context.Context, doc *storage.Document) error {
	raw, err := doc.Encode()
	if err != nil {
		return err
	}

	av, err := attributevalue.MarshalMap(item{
		Name:    s.namespace,
		Data:    string(raw),
		Version: doc.Version + 1,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal custom data: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}
	if doc.Version == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(#n)")
		input.ExpressionAttributeNames = map[string]string{"#n": "name"}
	} else {
		input.ConditionExpression = aws.String("#v = :expected")
		input.ExpressionAttributeNames = map[string]string{"#v": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(doc.Version, 10)},
		}
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return storage.ErrVersionConflict
		}
		return fmt.Errorf("failed to store custom data: %w", err)
	}

	doc.Version++
	return nil
}

// Close is a no-op; the SDK client holds no connection to release
func (s *DynamoStorage) Close() error {
	return nil
}
