package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoTables names the four backing tables.
type DynamoTables struct {
	Distributions string
	Origins       string
	EdgeFunctions string
	History       string
}

// DynamoStore implements Store on DynamoDB. Membership updates use
// conditional expressions so concurrent reconciliations cannot interleave a
// read-modify-write of the same origin.
type DynamoStore struct {
	client DynamoAPI
	tables DynamoTables
}

func NewDynamoStore(client DynamoAPI, tables DynamoTables) *DynamoStore {
	return &DynamoStore{client: client, tables: tables}
}

func isConditionFailed(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// The attributevalue codec keys struct fields by dynamodbav tags. The models
// carry json tags only, so every marshal and unmarshal here overrides the tag
// key to keep item attribute names aligned with the key and filter expressions.
func jsonTagEncoding(o *attributevalue.EncoderOptions) { o.TagKey = "json" }
func jsonTagDecoding(o *attributevalue.DecoderOptions) { o.TagKey = "json" }

func (s *DynamoStore) putItem(ctx context.Context, table string, item interface{}) error {
	av, err := attributevalue.MarshalMapWithOptions(item, jsonTagEncoding)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	return err
}

func (s *DynamoStore) getItem(ctx context.Context, table, keyName, keyValue string, out interface{}) error {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key: map[string]ddbtypes.AttributeValue{
			keyName: &ddbtypes.AttributeValueMemberS{Value: keyValue},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return err
	}
	if len(resp.Item) == 0 {
		return ErrNotFound
	}
	return attributevalue.UnmarshalMapWithOptions(resp.Item, out, jsonTagDecoding)
}

func (s *DynamoStore) deleteItem(ctx context.Context, table, keyName, keyValue string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key: map[string]ddbtypes.AttributeValue{
			keyName: &ddbtypes.AttributeValueMemberS{Value: keyValue},
		},
		ConditionExpression: aws.String("attribute_exists(" + keyName + ")"),
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func (s *DynamoStore) CreateDistribution(ctx context.Context, d models.Distribution) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	return s.putItem(ctx, s.tables.Distributions, d)
}

func (s *DynamoStore) GetDistribution(ctx context.Context, id string) (models.Distribution, error) {
	var d models.Distribution
	if err := s.getItem(ctx, s.tables.Distributions, "distributionId", id, &d); err != nil {
		return models.Distribution{}, err
	}
	return d, nil
}

func (s *DynamoStore) ListDistributions(ctx context.Context) ([]models.Distribution, error) {
	return s.scanDistributions(ctx, nil)
}

func (s *DynamoStore) ListPendingDistributions(ctx context.Context) ([]models.Distribution, error) {
	filter := expression.Name("status").Equal(expression.Value(string(models.StatusInProgress))).
		Or(expression.Name("status").Equal(expression.Value(string(models.StatusCreating))))
	return s.scanDistributions(ctx, &filter)
}

func (s *DynamoStore) scanDistributions(ctx context.Context, filter *expression.ConditionBuilder) ([]models.Distribution, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.tables.Distributions)}
	if filter != nil {
		expr, err := expression.NewBuilder().WithFilter(*filter).Build()
		if err != nil {
			return nil, fmt.Errorf("build filter: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}
	var out []models.Distribution
	for {
		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, err
		}
		var page []models.Distribution
		if err := attributevalue.UnmarshalListOfMapsWithOptions(resp.Items, &page, jsonTagDecoding); err != nil {
			return nil, fmt.Errorf("unmarshal distributions: %w", err)
		}
		out = append(out, page...)
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
	return out, nil
}

func (s *DynamoStore) UpdateDistribution(ctx context.Context, d models.Distribution) error {
	d.UpdatedAt = time.Now().UTC()
	av, err := attributevalue.MarshalMapWithOptions(d, jsonTagEncoding)
	if err != nil {
		return fmt.Errorf("marshal distribution: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Distributions),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(distributionId)"),
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func (s *DynamoStore) UpdateDistributionStatus(ctx context.Context, id string, status models.Status, version int64) error {
	update := expression.Set(expression.Name("status"), expression.Value(string(status))).
		Set(expression.Name("version"), expression.Value(version)).
		Set(expression.Name("updatedAt"), expression.Value(time.Now().UTC().Format(time.RFC3339Nano)))
	cond := expression.AttributeExists(expression.Name("distributionId"))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Distributions),
		Key: map[string]ddbtypes.AttributeValue{
			"distributionId": &ddbtypes.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func (s *DynamoStore) DeleteDistribution(ctx context.Context, id string) error {
	return s.deleteItem(ctx, s.tables.Distributions, "distributionId", id)
}

func (s *DynamoStore) CreateOrigin(ctx context.Context, o models.Origin) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Version == 0 {
		o.Version = 1
	}
	return s.putItem(ctx, s.tables.Origins, o)
}

func (s *DynamoStore) GetOrigin(ctx context.Context, id string) (models.Origin, error) {
	var o models.Origin
	if err := s.getItem(ctx, s.tables.Origins, "originId", id, &o); err != nil {
		return models.Origin{}, err
	}
	return o, nil
}

func (s *DynamoStore) ListOrigins(ctx context.Context) ([]models.Origin, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.tables.Origins)}
	var out []models.Origin
	for {
		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, err
		}
		var page []models.Origin
		if err := attributevalue.UnmarshalListOfMapsWithOptions(resp.Items, &page, jsonTagDecoding); err != nil {
			return nil, fmt.Errorf("unmarshal origins: %w", err)
		}
		out = append(out, page...)
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
	return out, nil
}

func (s *DynamoStore) UpdateOrigin(ctx context.Context, o models.Origin) error {
	o.UpdatedAt = time.Now().UTC()
	av, err := attributevalue.MarshalMapWithOptions(o, jsonTagEncoding)
	if err != nil {
		return fmt.Errorf("marshal origin: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Origins),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(originId)"),
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func (s *DynamoStore) UpdateOriginARNs(ctx context.Context, id string, arns []string, expectedVersion int64) error {
	update := expression.Set(expression.Name("distributionArns"), expression.Value(arns)).
		Set(expression.Name("version"), expression.Value(expectedVersion+1)).
		Set(expression.Name("updatedAt"), expression.Value(time.Now().UTC().Format(time.RFC3339Nano)))
	cond := expression.Name("version").Equal(expression.Value(expectedVersion))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Origins),
		Key: map[string]ddbtypes.AttributeValue{
			"originId": &ddbtypes.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionFailed(err) {
		return ErrConflict
	}
	return err
}

func (s *DynamoStore) DeleteOrigin(ctx context.Context, id string) error {
	return s.deleteItem(ctx, s.tables.Origins, "originId", id)
}

func (s *DynamoStore) PutEdgeFunction(ctx context.Context, f models.EdgeFunction) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	return s.putItem(ctx, s.tables.EdgeFunctions, f)
}

func (s *DynamoStore) GetEdgeFunction(ctx context.Context, id string) (models.EdgeFunction, error) {
	var f models.EdgeFunction
	if err := s.getItem(ctx, s.tables.EdgeFunctions, "functionId", id, &f); err != nil {
		return models.EdgeFunction{}, err
	}
	return f, nil
}

func (s *DynamoStore) DeleteEdgeFunction(ctx context.Context, id string) error {
	return s.deleteItem(ctx, s.tables.EdgeFunctions, "functionId", id)
}

func (s *DynamoStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.putItem(ctx, s.tables.History, e)
}

func (s *DynamoStore) ListHistory(ctx context.Context, distributionID string) ([]models.HistoryEntry, error) {
	filter := expression.Name("distributionId").Equal(expression.Value(distributionID))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tables.History),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	var out []models.HistoryEntry
	for {
		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, err
		}
		var page []models.HistoryEntry
		if err := attributevalue.UnmarshalListOfMapsWithOptions(resp.Items, &page, jsonTagDecoding); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
		out = append(out, page...)
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
	return out, nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.tables.Distributions),
		Limit:     aws.Int32(1),
	})
	return err
}
