// Package dynamo implements the persistent tier on Amazon DynamoDB. Each
// certificate record is one item keyed by hawkHmacId.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/util"
)

const attrHmacID = "hawkHmacId"

// certificateItem is the stored shape of a CertificateRecord. Times are
// written as RFC3339 strings.
type certificateItem struct {
	HmacID        string    `dynamodbav:"hawkHmacId"`
	CipherMsisdn  string    `dynamodbav:"cipherMsisdn"`
	SessionKey    string    `dynamodbav:"hawkKey"`
	CreatedAt     time.Time `dynamodbav:"createdAt"`
	LastUpdatedAt time.Time `dynamodbav:"lastUpdatedAt"`
}

// API is the subset of *dynamodb.Client the repository uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, in *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

type CertificateRepository struct {
	api   API
	cfg   config.DynamoDBConfig
	table *string
}

// NewCertificateRepository makes sure the table exists and is ACTIVE before
// returning.
func NewCertificateRepository(ctx context.Context, api API, cfg config.DynamoDBConfig) (*CertificateRepository, error) {
	if cfg.MaxActiveWaits <= 0 {
		cfg.MaxActiveWaits = 30
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = time.Second
	}
	r := &CertificateRepository{api: api, cfg: cfg, table: aws.String(cfg.TableName)}
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	util.Info("DynamoDB certificate table ready", zap.String("table", cfg.TableName))
	return r, nil
}

func (r *CertificateRepository) PutCertificate(ctx context.Context, hmacID string, rec *model.CertificateRecord) error {
	item, err := attributevalue.MarshalMap(certificateItem{
		HmacID:        hmacID,
		CipherMsisdn:  rec.CipherMsisdn,
		SessionKey:    rec.SessionKey,
		CreatedAt:     rec.CreatedAt.UTC(),
		LastUpdatedAt: rec.LastUpdatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal certificate item: %w", err)
	}

	_, err = r.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: r.table, Item: item})
	if err != nil {
		util.Error("Failed to put certificate item", util.HmacID(hmacID), zap.Error(err))
		return fmt.Errorf("failed to put certificate item: %w", err)
	}
	return nil
}

func (r *CertificateRepository) GetCertificate(ctx context.Context, hmacID string) (*model.CertificateRecord, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      r.table,
		Key:            r.key(hmacID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		util.Error("Failed to get certificate item", util.HmacID(hmacID), zap.Error(err))
		return nil, fmt.Errorf("failed to get certificate item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, errs.ErrNotFound
	}

	var item certificateItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		util.Warn("Discarding undecodable certificate item", util.HmacID(hmacID), zap.Error(err))
		return nil, errs.ErrNotFound
	}
	return &model.CertificateRecord{
		CipherMsisdn:  item.CipherMsisdn,
		SessionKey:    item.SessionKey,
		CreatedAt:     item.CreatedAt,
		LastUpdatedAt: item.LastUpdatedAt,
	}, nil
}

func (r *CertificateRepository) DeleteCertificate(ctx context.Context, hmacID string) error {
	if _, err := r.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: r.table, Key: r.key(hmacID)}); err != nil {
		util.Error("Failed to delete certificate item", util.HmacID(hmacID), zap.Error(err))
		return fmt.Errorf("failed to delete certificate item: %w", err)
	}
	return nil
}

func (r *CertificateRepository) Ping(ctx context.Context) error {
	out, err := r.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: r.table})
	if err != nil {
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	if out.Table == nil || out.Table.TableStatus != types.TableStatusActive {
		return fmt.Errorf("dynamodb table %s is not active", r.cfg.TableName)
	}
	return nil
}

// Drop deletes and recreates the table.
func (r *CertificateRepository) Drop(ctx context.Context) error {
	if _, err := r.api.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: r.table}); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete table: %w", err)
	}
	if err := r.waitFor(ctx, func(out *dynamodb.DescribeTableOutput, err error) bool { return isNotFound(err) }); err != nil {
		return err
	}
	return r.ensureTable(ctx)
}

func (r *CertificateRepository) Close() error { return nil }

func (r *CertificateRepository) key(hmacID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrHmacID: &types.AttributeValueMemberS{Value: hmacID}}
}

func (r *CertificateRepository) ensureTable(ctx context.Context) error {
	_, err := r.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: r.table})
	if err == nil {
		return r.waitActive(ctx)
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to describe table: %w", err)
	}

	in := &dynamodb.CreateTableInput{
		TableName: r.table,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrHmacID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrHmacID), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
	if r.cfg.ReadCapacity > 0 && r.cfg.WriteCapacity > 0 {
		in.BillingMode = types.BillingModeProvisioned
		in.ProvisionedThroughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(r.cfg.ReadCapacity),
			WriteCapacityUnits: aws.Int64(r.cfg.WriteCapacity),
		}
	}
	if _, err := r.api.CreateTable(ctx, in); err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	util.Info("Created DynamoDB certificate table", zap.String("table", r.cfg.TableName))
	return r.waitActive(ctx)
}

func (r *CertificateRepository) waitActive(ctx context.Context) error {
	return r.waitFor(ctx, func(out *dynamodb.DescribeTableOutput, err error) bool {
		return err == nil && out.Table != nil && out.Table.TableStatus == types.TableStatusActive
	})
}

func (r *CertificateRepository) waitFor(ctx context.Context, done func(*dynamodb.DescribeTableOutput, error) bool) error {
	for i := 0; i < r.cfg.MaxActiveWaits; i++ {
		out, err := r.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: r.table})
		if done(out, err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.WaitInterval):
		}
	}
	return fmt.Errorf("dynamodb table %s did not reach the expected state after %d checks", r.cfg.TableName, r.cfg.MaxActiveWaits)
}

func isNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	return errors.As(err, &rnf)
}
