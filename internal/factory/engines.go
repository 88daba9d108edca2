package factory

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"msisdn-gateway/internal/bucketing"
	"msisdn-gateway/internal/repository/dynamo"
	"msisdn-gateway/internal/repository/memory"
	redisrepo "msisdn-gateway/internal/repository/redis"
	"msisdn-gateway/internal/repository/scylla"
	"msisdn-gateway/internal/storage"
	"msisdn-gateway/internal/util"
)

// storageRegistry registers every engine the binary ships with. Nothing is
// dialled until Open picks an engine.
func (f *Factory) storageRegistry() *storage.Registry {
	r := storage.NewRegistry()

	r.RegisterVolatile(storage.EngineRedis, func(ctx context.Context) (storage.VolatileBackend, error) {
		c, err := f.RedisClient()
		if err != nil {
			return nil, err
		}
		return redisrepo.NewStore(c), nil
	})
	r.RegisterPersistent(storage.EngineRedis, func(ctx context.Context) (storage.PersistentBackend, error) {
		c, err := f.RedisClient()
		if err != nil {
			return nil, err
		}
		return redisrepo.NewStore(c), nil
	})

	// The registry opens an engine once, so memory on both tiers shares
	// one store.
	r.RegisterVolatile(storage.EngineMemory, func(context.Context) (storage.VolatileBackend, error) {
		util.Warn("Using the in-memory volatile tier; state is lost on restart")
		return memory.NewStore(), nil
	})
	r.RegisterPersistent(storage.EngineMemory, func(context.Context) (storage.PersistentBackend, error) {
		util.Warn("Using the in-memory persistent tier; state is lost on restart")
		return memory.NewStore(), nil
	})

	r.RegisterPersistent(storage.EngineScylla, func(ctx context.Context) (storage.PersistentBackend, error) {
		c, err := scylla.NewScyllaClient(f.config.Scylla)
		if err != nil {
			return nil, err
		}
		if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("scylla health check: %w", err)
		}
		return scylla.NewCertificateRepository(c, bucketing.NewManager(f.config.Bucketing.CertificateBuckets)), nil
	})

	r.RegisterPersistent(storage.EngineDynamoDB, func(ctx context.Context) (storage.PersistentBackend, error) {
		awsCfg, err := f.awsConfig(ctx, f.config.DynamoDB.Region)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if f.config.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(f.config.DynamoDB.Endpoint)
			}
		})
		return dynamo.NewCertificateRepository(ctx, client, f.config.DynamoDB)
	})

	return r
}

func (f *Factory) awsConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return cfg, nil
}
