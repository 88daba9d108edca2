package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "MSISDN"
)

type Config struct {
	Environment string            `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Hawk        HawkConfig        `mapstructure:"hawk"`
	Codes       CodesConfig       `mapstructure:"codes"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Scylla      ScyllaConfig      `mapstructure:"scylla"`
	DynamoDB    DynamoDBConfig    `mapstructure:"dynamodb"`
	KMS         KMSConfig         `mapstructure:"kms"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Clickhouse  ClickhouseConfig  `mapstructure:"clickhouse"`
	Bucketing   BucketingConfig   `mapstructure:"bucketing"`
	SMS         SMSConfig         `mapstructure:"sms"`
	Certificate CertificateConfig `mapstructure:"certificate"`
	FakeEncrypt bool              `mapstructure:"fake_encrypt"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	TLSPort        int           `mapstructure:"tls_port"`
	EnableTLS      bool          `mapstructure:"enable_tls"`
	AutoCert       bool          `mapstructure:"auto_cert"`
	Domain         string        `mapstructure:"domain"`
	CertFile       string        `mapstructure:"cert_file"`
	KeyFile        string        `mapstructure:"key_file"`
	AutoCertDir    string        `mapstructure:"auto_cert_dir"`
	Email          string        `mapstructure:"email"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	Protocol       string        `mapstructure:"protocol"`
	APIPrefix      string        `mapstructure:"api_prefix"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RetryAfter     time.Duration `mapstructure:"retry_after"`
	DisplayVersion bool          `mapstructure:"display_version"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HawkConfig holds the request-signing secrets. IDSecret keys the HMAC that
// turns a client token id into a storage key.
type HawkConfig struct {
	IDSecret        string        `mapstructure:"id_secret"`
	SessionDuration time.Duration `mapstructure:"session_duration"`
	TimestampSkew   time.Duration `mapstructure:"timestamp_skew"`
}

type CodesConfig struct {
	ShortLength int           `mapstructure:"short_length"`
	LongBytes   int           `mapstructure:"long_bytes"`
	MaxTries    int           `mapstructure:"max_tries"`
	TTL         time.Duration `mapstructure:"ttl"`
}

// StorageConfig selects the engines backing each tier.
type StorageConfig struct {
	Volatile   string `mapstructure:"volatile"`
	Persistent string `mapstructure:"persistent"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type ScyllaConfig struct {
	Nodes    []string `mapstructure:"nodes"`
	Keyspace string   `mapstructure:"keyspace"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	TLS      bool     `mapstructure:"tls"`
	CAPath   string   `mapstructure:"ca_path"`
}

type DynamoDBConfig struct {
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	TableName      string        `mapstructure:"table_name"`
	ReadCapacity   int64         `mapstructure:"read_capacity"`
	WriteCapacity  int64         `mapstructure:"write_capacity"`
	MaxActiveWaits int           `mapstructure:"max_active_waits"`
	WaitInterval   time.Duration `mapstructure:"wait_interval"`
}

type KMSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	KeyID   string `mapstructure:"key_id"`
	Region  string `mapstructure:"region"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ClickhouseConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Database      string        `mapstructure:"database"`
	Table         string        `mapstructure:"table"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type BucketingConfig struct {
	CertificateBuckets int `mapstructure:"certificate_buckets"`
}

type SMSConfig struct {
	Providers       []ProviderConfig `mapstructure:"providers"`
	ResetInterval   time.Duration    `mapstructure:"reset_interval"`
	SendTries       int              `mapstructure:"send_tries"`
	ProviderTimeout time.Duration    `mapstructure:"provider_timeout"`
	Mapping         MappingConfig    `mapstructure:"mapping"`
}

// ProviderConfig describes one outbound SMS gateway. Name selects the
// implementation; the remaining fields are read by that implementation only.
type ProviderConfig struct {
	Name         string  `mapstructure:"name"`
	Priority     int     `mapstructure:"priority"`
	Endpoint     string  `mapstructure:"endpoint"`
	APIKey       string  `mapstructure:"api_key"`
	APISecret    string  `mapstructure:"api_secret"`
	APIToken     string  `mapstructure:"api_token"`
	ConnectionID string  `mapstructure:"connection_id"`
	AccountSID   string  `mapstructure:"account_sid"`
	AuthToken    string  `mapstructure:"auth_token"`
	Service      string  `mapstructure:"service"`
	Login        string  `mapstructure:"login"`
	Password     string  `mapstructure:"password"`
	From         string  `mapstructure:"from"`
	RatePerSec   float64 `mapstructure:"rate_per_sec"`
	Burst        int     `mapstructure:"burst"`
}

type MappingConfig struct {
	Engine            string            `mapstructure:"engine"`
	MtSender          string            `mapstructure:"mt_sender"`
	MoVerifier        string            `mapstructure:"mo_verifier"`
	MtSenderMapping   map[string]string `mapstructure:"mt_sender_mapping"`
	MoVerifierMapping map[string]string `mapstructure:"mo_verifier_mapping"`
	MtModelName       string            `mapstructure:"mt_model_name"`
	MoModelName       string            `mapstructure:"mo_model_name"`
}

type CertificateConfig struct {
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	Issuer         string        `mapstructure:"issuer"`
	MaxDuration    time.Duration `mapstructure:"max_duration"`
}

// LoadConfig reads .env, then the YAML file named by CONFIG_PATH, then
// MSISDN_* environment overrides.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	return Load(path)
}

// Load builds a Config from the given file. A missing file is not an error;
// defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("fake_encrypt", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.tls_port", 8443)
	v.SetDefault("server.auto_cert_dir", "certs")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.protocol", "http")
	v.SetDefault("server.api_prefix", "")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.retry_after", 30*time.Second)
	v.SetDefault("server.display_version", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")

	v.SetDefault("hawk.id_secret", "")
	v.SetDefault("hawk.session_duration", 7*24*time.Hour)
	v.SetDefault("hawk.timestamp_skew", 60*time.Second)

	v.SetDefault("codes.short_length", 6)
	v.SetDefault("codes.long_bytes", 32)
	v.SetDefault("codes.max_tries", 3)
	v.SetDefault("codes.ttl", 24*time.Hour)

	v.SetDefault("storage.volatile", "redis")
	v.SetDefault("storage.persistent", "redis")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("scylla.nodes", []string{"127.0.0.1"})
	v.SetDefault("scylla.keyspace", "msisdn_gateway")

	v.SetDefault("dynamodb.region", "us-east-1")
	v.SetDefault("dynamodb.table_name", "msisdn_certificates")
	v.SetDefault("dynamodb.read_capacity", 5)
	v.SetDefault("dynamodb.write_capacity", 5)
	v.SetDefault("dynamodb.max_active_waits", 5)
	v.SetDefault("dynamodb.wait_interval", 2*time.Second)

	v.SetDefault("kms.enabled", false)
	v.SetDefault("kms.key_id", "")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "msisdn-verification-events")

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.table", "sms_delivery_attempts")
	v.SetDefault("clickhouse.batch_size", 100)
	v.SetDefault("clickhouse.flush_interval", 5*time.Second)

	v.SetDefault("bucketing.certificate_buckets", 64)

	v.SetDefault("sms.reset_interval", time.Hour)
	v.SetDefault("sms.send_tries", 3)
	v.SetDefault("sms.provider_timeout", 10*time.Second)
	v.SetDefault("sms.mapping.engine", "file")
	v.SetDefault("sms.mapping.mt_model_name", "mtSender")
	v.SetDefault("sms.mapping.mo_model_name", "moVerifier")

	v.SetDefault("certificate.private_key_file", "")
	v.SetDefault("certificate.issuer", "msisdn.localhost")
	v.SetDefault("certificate.max_duration", 24*time.Hour)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.IsProduction() && c.Hawk.IDSecret == "" {
		problems = append(problems, "hawk.id_secret is required in production")
	}
	if c.IsProduction() && c.FakeEncrypt {
		problems = append(problems, "fake_encrypt cannot be enabled in production")
	}
	if c.Codes.ShortLength <= 0 || c.Codes.LongBytes <= 0 {
		problems = append(problems, "codes.short_length and codes.long_bytes must be positive")
	}
	if c.Codes.ShortLength == c.Codes.LongBytes*2 {
		problems = append(problems, "short and long codes must have different lengths")
	}
	if c.Codes.MaxTries < 1 {
		problems = append(problems, "codes.max_tries must be at least 1")
	}
	if c.SMS.SendTries < 1 {
		problems = append(problems, "sms.send_tries must be at least 1")
	}
	if c.Storage.Volatile == "" || c.Storage.Persistent == "" {
		problems = append(problems, "storage.volatile and storage.persistent must be set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
