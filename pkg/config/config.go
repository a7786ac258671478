package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Broker       BrokerConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Kafka        KafkaConfig
	Outbox       OutboxConfig
	Order        OrderConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Broker.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STOCKFLOW_APP_ENV" required:"true"`
	OpsPort      string `envconfig:"STOCKFLOW_OPS_PORT" default:"9090"`
	LogLevel     string `envconfig:"STOCKFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOCKFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev) || strings.EqualFold(a.Env, "development")
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"STOCKFLOW_SERVICE_KIND" default:"message-relay"`
}

type DBConfig struct {
	DSN    string `envconfig:"STOCKFLOW_DB_DSN"`
	Driver string `envconfig:"STOCKFLOW_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"STOCKFLOW_DB_HOST"`
	Port     int    `envconfig:"STOCKFLOW_DB_PORT" default:"5432"`
	User     string `envconfig:"STOCKFLOW_DB_USER"`
	Password string `envconfig:"STOCKFLOW_DB_PASSWORD"`
	Name     string `envconfig:"STOCKFLOW_DB_NAME"`
	SSLMode  string `envconfig:"STOCKFLOW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STOCKFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOCKFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOCKFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOCKFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the sqlite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"STOCKFLOW_REDIS_URL"`
	Address      string        `envconfig:"STOCKFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"STOCKFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOCKFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOCKFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOCKFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOCKFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOCKFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOCKFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate      bool `envconfig:"STOCKFLOW_AUTO_MIGRATE" default:"false"`
	SendOnceGuard    bool `envconfig:"STOCKFLOW_SEND_ONCE_GUARD" default:"true"`
	ReleaseOnFailure bool `envconfig:"STOCKFLOW_RELEASE_RESERVATION_ON_FAILURE" default:"true"`
}

// BrokerConfig selects the transport that committed messages and hints are published on.
type BrokerConfig struct {
	Transport      string        `envconfig:"STOCKFLOW_BROKER_TRANSPORT" default:"pubsub"`
	StockTopic     string        `envconfig:"STOCKFLOW_BROKER_STOCK_TOPIC" default:"stock"`
	DecrementTag   string        `envconfig:"STOCKFLOW_BROKER_DECREMENT_TAG" default:"increase"`
	HintTopic      string        `envconfig:"STOCKFLOW_BROKER_HINT_TOPIC" default:"stock-hint"`
	PublishTimeout time.Duration `envconfig:"STOCKFLOW_BROKER_PUBLISH_TIMEOUT" default:"15s"`
	SendOnceTTL    time.Duration `envconfig:"STOCKFLOW_BROKER_SEND_ONCE_TTL" default:"24h"`
}

func (b BrokerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.Transport)) {
	case TransportPubSub, TransportKafka:
	default:
		return fmt.Errorf("%s must be one of %s, %s (got %q)", EnvBrokerTransport, TransportPubSub, TransportKafka, b.Transport)
	}
	if strings.TrimSpace(b.StockTopic) == "" {
		return fmt.Errorf("%s is required", EnvBrokerStockTopic)
	}
	return nil
}

// UsesKafka reports whether the kafka transport is selected.
func (b BrokerConfig) UsesKafka() bool {
	return strings.EqualFold(strings.TrimSpace(b.Transport), TransportKafka)
}

type GCPConfig struct {
	ProjectID       string `envconfig:"STOCKFLOW_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"STOCKFLOW_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	Endpoint string `envconfig:"STOCKFLOW_PUBSUB_ENDPOINT"`
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"STOCKFLOW_KAFKA_BROKERS" default:"localhost:9092"`
	RequiredAcks int           `envconfig:"STOCKFLOW_KAFKA_REQUIRED_ACKS" default:"-1"`
	WriteTimeout time.Duration `envconfig:"STOCKFLOW_KAFKA_WRITE_TIMEOUT" default:"10s"`
}

type OutboxConfig struct {
	BatchSize          int           `envconfig:"STOCKFLOW_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS     int           `envconfig:"STOCKFLOW_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts        int           `envconfig:"STOCKFLOW_OUTBOX_MAX_ATTEMPTS" default:"10"`
	CheckbackDelay     time.Duration `envconfig:"STOCKFLOW_OUTBOX_CHECKBACK_DELAY" default:"6s"`
	CheckbackInterval  time.Duration `envconfig:"STOCKFLOW_OUTBOX_CHECKBACK_INTERVAL" default:"60s"`
	MaxCheckbacks      int           `envconfig:"STOCKFLOW_OUTBOX_MAX_CHECKBACKS" default:"15"`
	CheckbackBatchSize int           `envconfig:"STOCKFLOW_OUTBOX_CHECKBACK_BATCH_SIZE" default:"50"`
}

type OrderConfig struct {
	SequenceName string `envconfig:"STOCKFLOW_ORDER_SEQUENCE_NAME" default:"order_info"`
	ShardSuffix  string `envconfig:"STOCKFLOW_ORDER_SHARD_SUFFIX" default:"00"`
	MaxAmount    int    `envconfig:"STOCKFLOW_ORDER_MAX_AMOUNT" default:"99"`
}

type CronConfig struct {
	Interval            time.Duration `envconfig:"STOCKFLOW_CRON_INTERVAL" default:"5m"`
	StaleStockLogAfter  time.Duration `envconfig:"STOCKFLOW_CRON_STALE_STOCK_LOG_AFTER" default:"30m"`
	MessageRetentionDay int           `envconfig:"STOCKFLOW_CRON_MESSAGE_RETENTION_DAYS" default:"30"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
