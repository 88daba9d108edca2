package dynamo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
)

// fakeAPI keeps items in a map and flips a table to ACTIVE on the second
// describe after creation.
type fakeAPI struct {
	mu        sync.Mutex
	exists    bool
	describes int
	created   int
	items     map[string]map[string]types.AttributeValue
	lastGet   *dynamodb.GetItemInput
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]types.AttributeValue)}
}

func hashKey(key map[string]types.AttributeValue) string {
	return key[attrHmacID].(*types.AttributeValueMemberS).Value
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGet = in
	return &dynamodb.GetItemOutput{Item: f.items[hashKey(in.Key)]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[hashKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, hashKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	f.describes++
	status := types.TableStatusCreating
	if f.describes > 1 {
		status = types.TableStatusActive
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName, TableStatus: status}}, nil
}

func (f *fakeAPI) CreateTable(_ context.Context, _ *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists = true
	f.describes = 0
	f.created++
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAPI) DeleteTable(_ context.Context, _ *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists = false
	f.items = make(map[string]map[string]types.AttributeValue)
	return &dynamodb.DeleteTableOutput{}, nil
}

func testConfig() config.DynamoDBConfig {
	return config.DynamoDBConfig{
		TableName:      "msisdn_certificates",
		MaxActiveWaits: 5,
		WaitInterval:   time.Millisecond,
	}
}

func TestNewCertificateRepository_CreatesTableAndWaits(t *testing.T) {
	api := newFakeAPI()

	_, err := NewCertificateRepository(context.Background(), api, testConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, api.created)
	assert.GreaterOrEqual(t, api.describes, 2)
}

func TestCertificateRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	repo, err := NewCertificateRepository(ctx, api, testConfig())
	require.NoError(t, err)

	_, err = repo.GetCertificate(ctx, "abc")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &model.CertificateRecord{CipherMsisdn: "cipher", SessionKey: "key", CreatedAt: now, LastUpdatedAt: now.Add(time.Minute)}
	require.NoError(t, repo.PutCertificate(ctx, "abc", rec))

	got, err := repo.GetCertificate(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.True(t, aws.ToBool(api.lastGet.ConsistentRead))

	require.NoError(t, repo.DeleteCertificate(ctx, "abc"))
	_, err = repo.GetCertificate(ctx, "abc")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCertificateRepository_StoresRFC3339Times(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	repo, err := NewCertificateRepository(ctx, api, testConfig())
	require.NoError(t, err)

	paris := time.FixedZone("CET", 3600)
	created := time.Date(2026, 3, 1, 13, 0, 0, 0, paris)
	require.NoError(t, repo.PutCertificate(ctx, "abc", &model.CertificateRecord{CipherMsisdn: "c", CreatedAt: created, LastUpdatedAt: created}))

	item := api.items["abc"]
	assert.Equal(t, &types.AttributeValueMemberS{Value: "abc"}, item["hawkHmacId"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "2026-03-01T12:00:00Z"}, item["createdAt"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "c"}, item["cipherMsisdn"])
}

func TestCertificateRepository_UndecodableItemIsNotFound(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	repo, err := NewCertificateRepository(ctx, api, testConfig())
	require.NoError(t, err)

	api.items["abc"] = map[string]types.AttributeValue{
		attrHmacID:      &types.AttributeValueMemberS{Value: "abc"},
		"cipherMsisdn":  &types.AttributeValueMemberS{Value: "cipher"},
		"createdAt":     &types.AttributeValueMemberS{Value: "last tuesday"},
		"lastUpdatedAt": &types.AttributeValueMemberS{Value: "last tuesday"},
	}

	_, err = repo.GetCertificate(ctx, "abc")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCertificateRepository_DropRecreatesTable(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	repo, err := NewCertificateRepository(ctx, api, testConfig())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, repo.PutCertificate(ctx, "abc", &model.CertificateRecord{CreatedAt: now, LastUpdatedAt: now}))
	require.NoError(t, repo.Drop(ctx))

	assert.Equal(t, 2, api.created)
	_, err = repo.GetCertificate(ctx, "abc")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.NoError(t, repo.Ping(ctx))
}

func TestCertificateRepository_WaitGivesUp(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig()
	cfg.MaxActiveWaits = 1

	_, err := NewCertificateRepository(context.Background(), api, cfg)
	assert.Error(t, err)
}
