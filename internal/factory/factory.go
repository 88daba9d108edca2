package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"msisdn-gateway/internal/analytics"
	"msisdn-gateway/internal/auth"
	"msisdn-gateway/internal/certificate"
	"msisdn-gateway/internal/client"
	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/delivery"
	"msisdn-gateway/internal/encryption"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/events"
	"msisdn-gateway/internal/handler"
	redisrepo "msisdn-gateway/internal/repository/redis"
	"msisdn-gateway/internal/service"
	"msisdn-gateway/internal/storage"
	"msisdn-gateway/internal/tls"
	"msisdn-gateway/internal/util"
	"msisdn-gateway/internal/verification"
)

// Version is reported on GET / when server.display_version is set.
var Version = "dev"

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager
	secrets    *encryption.SecretResolver
	metrics    *prometheus.Registry

	// Clients
	redisMu          sync.Mutex
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	store         *storage.TieredStore
	providers     *delivery.ProviderRegistry
	smsRouter     *delivery.Router
	recorder      *analytics.ClickHouseRecorder
	publisher     events.Publisher
	signer        *certificate.JWTSigner
	hawk          *auth.RequestVerifier
	authenticator *auth.Authenticator
	gateway       *service.GatewayService

	cancel     context.CancelFunc
	background *errgroup.Group

	closeOnce sync.Once
}

// NewFactory loads configuration and builds every dependency. Storage is
// mandatory; Kafka and ClickHouse are optional unless running in
// production.
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New builds a factory from an already loaded configuration.
func New(ctx context.Context, cfg *config.Config) (*Factory, error) {
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config:  cfg,
		metrics: prometheus.NewRegistry(),
	}
	f.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg.Server)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"secrets", f.initSecrets},
		{"storage", f.initStorage},
		{"telemetry", f.initTelemetry},
		{"delivery", f.initDelivery},
		{"service", f.initService},
	}
	for _, step := range steps {
		if err := step.fn(initCtx); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("volatile_storage", cfg.Storage.Volatile),
		util.String("persistent_storage", cfg.Storage.Persistent),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("clickhouse_enabled", f.recorder != nil),
	)
	return f, nil
}

// initSecrets unwraps KMS-encrypted configuration values in place.
func (f *Factory) initSecrets(ctx context.Context) error {
	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := f.awsConfig(ctx, f.config.KMS.Region)
		if err != nil {
			return err
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.secrets = encryption.NewSecretResolver(f.config.KMS, kmsClient)

	for _, s := range []struct {
		name  string
		value *string
	}{
		{"hawk.id_secret", &f.config.Hawk.IDSecret},
		{"redis.password", &f.config.Redis.Password},
		{"clickhouse.password", &f.config.Clickhouse.Password},
	} {
		plain, err := f.secrets.Resolve(ctx, s.name, *s.value)
		if err != nil {
			return err
		}
		*s.value = plain
	}

	if f.config.Hawk.IDSecret == "" {
		util.Warn("hawk.id_secret is empty; storage keys are predictable")
	}
	return nil
}

func (f *Factory) initStorage(ctx context.Context) error {
	registry := f.storageRegistry()
	store, err := registry.Open(ctx, f.config.Storage.Volatile, f.config.Storage.Persistent, storage.Options{
		CodeTTL:    f.config.Codes.TTL,
		SessionTTL: f.config.Hawk.SessionDuration,
	})
	if errors.Is(err, errs.ErrUnknownEngine) {
		volatile, persistent := registry.Engines()
		util.Error("Unknown storage engine",
			zap.Strings("volatile_engines", volatile),
			zap.Strings("persistent_engines", persistent),
			zap.Error(err))
	}
	if err != nil {
		return err
	}
	f.store = store
	return nil
}

// initTelemetry wires the optional Kafka event stream and ClickHouse
// delivery log. Outside production a broken sink is logged and skipped.
func (f *Factory) initTelemetry(ctx context.Context) error {
	f.publisher = events.Nop{}

	if f.config.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(f.config.Kafka)
		if err == nil {
			err = producer.HealthCheck(ctx)
			if err != nil {
				_ = producer.Close()
			}
		}
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("kafka: %w", err)
			}
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			f.publisher = events.NewKafkaPublisher(producer)
		}
	}

	if f.config.Clickhouse.Enabled {
		ch, err := client.NewClickHouseClient(f.config.Clickhouse, f.config.IsProduction())
		if err == nil {
			err = analytics.EnsureTable(ctx, ch, f.config.Clickhouse.Table)
			if err != nil {
				_ = ch.Close()
			}
		}
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("clickhouse: %w", err)
			}
			util.Warn("ClickHouse initialization failed - proceeding without delivery analytics", util.ErrorField(err))
		} else {
			f.clickhouseClient = ch
			f.recorder = analytics.NewClickHouseRecorder(ch, f.config.Clickhouse)
		}
	}
	return nil
}

func (f *Factory) initDelivery(context.Context) error {
	httpClient := &http.Client{Timeout: f.config.SMS.ProviderTimeout}
	cfgs := f.config.SMS.Providers
	if len(cfgs) == 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("no sms provider configured")
		}
		util.Warn("No SMS provider configured; messages are only logged")
		cfgs = []config.ProviderConfig{{Name: "log"}}
	}
	f.providers = delivery.NewProviderRegistry(func() []delivery.Provider {
		return delivery.BuildProviders(cfgs, httpClient)
	})

	var numbers delivery.NumberMap
	switch f.config.SMS.Mapping.Engine {
	case "redis":
		c, err := f.RedisClient()
		if err != nil {
			return err
		}
		numbers = redisrepo.NewNumberMap(c, f.config.SMS.Mapping)
	case "", "file":
		numbers = delivery.NewFileNumberMap(f.config.SMS.Mapping)
	default:
		return fmt.Errorf("unknown number mapping engine %q", f.config.SMS.Mapping.Engine)
	}

	opts := delivery.RouterOptionsFrom(f.config.SMS)
	opts.Metrics = delivery.NewMetrics(f.metrics)
	if f.recorder != nil {
		opts.Recorder = f.recorder
	}
	f.smsRouter = delivery.NewRouter(f.providers, numbers, opts)
	return nil
}

func (f *Factory) initService(context.Context) error {
	signer, err := certificate.NewJWTSigner(f.config.Certificate, f.config.IsProduction())
	if err != nil {
		return err
	}
	f.signer = signer

	f.gateway = service.NewGatewayService(service.Dependencies{
		Store:     f.store,
		Verifier:  verification.NewVerifier(f.store, f.config.Codes),
		Cipher:    encryption.NewCipher(f.config.FakeEncrypt),
		Messenger: f.smsRouter,
		Numbers:   f.smsRouter.Numbers(),
		Signer:    signer,
		Events:    f.publisher,
	}, service.Options{
		IDSecret:       f.config.Hawk.IDSecret,
		Issuer:         f.config.Certificate.Issuer,
		MaxCertificate: f.config.Certificate.MaxDuration,
	})

	f.hawk = auth.NewRequestVerifier(auth.HawkOptions{
		Protocol: f.config.Server.Protocol,
		Skew:     f.config.Hawk.TimestampSkew,
	})
	f.authenticator = auth.NewAuthenticator(f.store, f.config.Hawk.IDSecret)
	return nil
}

// Start launches the background workers: provider order resets and the
// ClickHouse flusher. They stop when ctx is cancelled or on Close.
func (f *Factory) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	f.background = g

	g.Go(func() error {
		f.providers.Run(ctx, f.config.SMS.ResetInterval)
		return nil
	})
	if f.recorder != nil {
		g.Go(func() error {
			f.recorder.Run(ctx)
			return nil
		})
	}
}

// Router builds the HTTP handler for the gateway.
func (f *Factory) Router() http.Handler {
	h := handler.NewGatewayHandler(f.gateway, f.store, f.signer.PublicKey(), handler.HandlerOptions{
		Protocol:       f.config.Server.Protocol,
		APIPrefix:      f.config.Server.APIPrefix,
		Version:        Version,
		DisplayVersion: f.config.Server.DisplayVersion,
	})
	return handler.NewRouter(h, handler.HawkMiddleware(f.hawk, f.authenticator.Lookup), handler.RouterOptions{
		APIPrefix:      f.config.Server.APIPrefix,
		AllowedOrigins: f.config.Server.AllowedOrigins,
		RetryAfter:     f.config.Server.RetryAfter,
		RequireTLS:     f.config.Server.EnableTLS && f.config.IsProduction(),
		Metrics:        promhttp.HandlerFor(f.metrics, promhttp.HandlerOpts{}),
	})
}

// ==============================
// Health Checks
// ==============================

// HealthCheck checks every dependency concurrently. Optional sinks that
// were never enabled are not reported.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var (
		mu     sync.Mutex
		g      errgroup.Group
		result = make(map[string]error)
	)
	check := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(ctx); err != nil {
				mu.Lock()
				result[name] = err
				mu.Unlock()
			}
			return nil
		})
	}

	if f.store != nil {
		check("storage", f.store.Ping)
	} else {
		result["storage"] = fmt.Errorf("storage not initialized")
	}
	if f.kafkaProducer != nil {
		check("kafka", f.kafkaProducer.HealthCheck)
	}
	if f.clickhouseClient != nil {
		check("clickhouse", f.clickhouseClient.HealthCheck)
	}
	if f.providers != nil && len(f.providers.Snapshot()) == 0 {
		result["sms"] = fmt.Errorf("no sms provider available")
	}

	_ = g.Wait()
	return result
}

// IsHealthy reports whether every dependency except Kafka answers.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		// Waiting on the workers also lets the recorder drain its queue.
		if f.cancel != nil {
			f.cancel()
			_ = f.background.Wait()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.hawk != nil {
			f.hawk.Close()
		}

		if f.store != nil {
			if err := f.store.Close(); err != nil {
				util.Error("Failed to close storage", util.ErrorField(err))
			} else {
				util.Info("Storage closed")
			}
		}

		f.redisMu.Lock()
		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}
		f.redisMu.Unlock()

		if f.secrets != nil {
			f.secrets.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Gateway() *service.GatewayService {
	return f.gateway
}

// RedisClient dials Redis on first use and shares the connection between
// the storage engine and the number map.
func (f *Factory) RedisClient() (*client.RedisClient, error) {
	f.redisMu.Lock()
	defer f.redisMu.Unlock()
	if f.redisClient != nil {
		return f.redisClient, nil
	}
	c, err := client.NewRedisClient(f.config.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	f.redisClient = c
	return c, nil
}
