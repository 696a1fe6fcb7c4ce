package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
)

const (
	defaultDynamoDBRecordTable     = "taskguard_idempotency_records"
	defaultDynamoDBRecordOperation = 2 * time.Second
	maxDynamoDBScanPages           = 20
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStoreConfig configures the DynamoDB durable store.
type DynamoDBStoreConfig struct {
	Table            string
	OperationTimeout time.Duration
	Now              func() time.Time
}

func (c *DynamoDBStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultDynamoDBRecordTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultDynamoDBRecordOperation
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// DynamoDBStore keeps idempotency records as items keyed by "pk". The "ttl"
// attribute carries the expiry in epoch seconds for DynamoDB's native TTL sweeper.
type DynamoDBStore struct {
	client DynamoDBAPI
	log    logger.Logger
	config DynamoDBStoreConfig
}

// NewDynamoDBStore creates a store on an existing client.
func NewDynamoDBStore(client DynamoDBAPI, config DynamoDBStoreConfig, log logger.Logger) (*DynamoDBStore, error) {
	if client == nil {
		return nil, errors.New("dynamodb client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	config.normalize()
	return &DynamoDBStore{client: client, log: log, config: config}, nil
}

func (s *DynamoDBStore) Name() string { return "dynamodb" }

func (s *DynamoDBStore) Get(ctx context.Context, key string) (*Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBQuery, tracing.WithDBTable(s.config.Table), tracing.WithDBSystem("dynamodb"))
	defer span.End()

	out, err := s.client.GetItem(opCtx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("dynamodb get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrRecordNotFound
	}
	record, err := recordFromItem(out.Item)
	if err != nil {
		return nil, err
	}
	tracing.RecordSuccess(span)
	return record, nil
}

// Put writes the item unless a live COMPLETED item exists. A failed condition
// check means the existing completion wins and is not an error.
func (s *DynamoDBStore) Put(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	now := s.config.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBInsert, tracing.WithDBTable(s.config.Table), tracing.WithDBSystem("dynamodb"))
	defer span.End()

	_, err := s.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.Table),
		Item:                itemFromRecord(record, now),
		ConditionExpression: aws.String("attribute_not_exists(pk) OR #status <> :completed OR expires_at <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(StatusCompleted)},
			":now":       millisAttr(now),
		},
	})
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		tracing.RecordSuccess(span)
		return nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("dynamodb put item: %w", err)
	}
	tracing.RecordSuccess(span)
	return nil
}

func (s *DynamoDBStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	records := make([]*Record, 0)
	var startKey map[string]types.AttributeValue
	for page := 0; page < maxDynamoDBScanPages && len(records) < limit; page++ {
		out, err := s.client.Scan(opCtx, &dynamodb.ScanInput{
			TableName:        aws.String(s.config.Table),
			FilterExpression: aws.String("#status = :pending AND updated_at < :older"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
				":older":   millisAttr(olderThan),
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan stale pending: %w", err)
		}
		for _, item := range out.Items {
			record, err := recordFromItem(item)
			if err != nil {
				s.log.Warn("skipping undecodable idempotency item", "error", err)
				continue
			}
			records = append(records, record)
			if len(records) >= limit {
				break
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return records, nil
}

// PurgeExpired is served by DynamoDB's native TTL on the "ttl" attribute.
func (s *DynamoDBStore) PurgeExpired(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func (s *DynamoDBStore) HealthCheck(ctx context.Context) error {
	_, err := s.Get(ctx, "__taskguard_healthcheck__")
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("dynamodb idempotency store health check failed: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) Close() error { return nil }

func itemFromRecord(record *Record, now time.Time) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":         &types.AttributeValueMemberS{Value: record.Key},
		"task_name":  &types.AttributeValueMemberS{Value: record.TaskName},
		"scope":      &types.AttributeValueMemberS{Value: string(record.Scope)},
		"status":     &types.AttributeValueMemberS{Value: string(record.Status)},
		"holder_id":  &types.AttributeValueMemberS{Value: record.HolderID},
		"created_at": millisAttr(record.CreatedAt),
		"updated_at": millisAttr(now),
		"expires_at": millisAttr(record.ExpiresAt),
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(record.ExpiresAt.Unix(), 10)},
	}
	if len(record.Result) > 0 {
		item["result"] = &types.AttributeValueMemberB{Value: record.Result}
	}
	if len(record.Payload) > 0 {
		item["payload"] = &types.AttributeValueMemberB{Value: record.Payload}
	}
	return item
}

func recordFromItem(item map[string]types.AttributeValue) (*Record, error) {
	status, err := ParseStatus(stringAttr(item, "status"))
	if err != nil {
		return nil, err
	}
	record := &Record{
		Key:      stringAttr(item, "pk"),
		TaskName: stringAttr(item, "task_name"),
		Scope:    ScopeKind(stringAttr(item, "scope")),
		Status:   status,
		HolderID: stringAttr(item, "holder_id"),
	}
	if record.CreatedAt, err = timeAttr(item, "created_at"); err != nil {
		return nil, err
	}
	if record.UpdatedAt, err = timeAttr(item, "updated_at"); err != nil {
		return nil, err
	}
	if record.ExpiresAt, err = timeAttr(item, "expires_at"); err != nil {
		return nil, err
	}
	if raw, ok := item["result"].(*types.AttributeValueMemberB); ok {
		record.Result = raw.Value
	}
	if raw, ok := item["payload"].(*types.AttributeValueMemberB); ok {
		record.Payload = raw.Value
	}
	return record, nil
}

func millisAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if value, ok := item[name].(*types.AttributeValueMemberS); ok {
		return value.Value
	}
	return ""
}

func timeAttr(item map[string]types.AttributeValue, name string) (time.Time, error) {
	value, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return time.Time{}, nil
	}
	millis, err := strconv.ParseInt(value.Value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return time.UnixMilli(millis).UTC(), nil
}
