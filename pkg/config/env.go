package config

const EnvPrefix = "STOCKFLOW"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	TransportPubSub = "pubsub"
	TransportKafka  = "kafka"
)

const (
	EnvAppEnv   = "STOCKFLOW_APP_ENV"
	EnvOpsPort  = "STOCKFLOW_OPS_PORT"
	EnvLogLevel = "STOCKFLOW_LOG_LEVEL"

	EnvDBDSN    = "STOCKFLOW_DB_DSN"
	EnvDBDriver = "STOCKFLOW_DB_DRIVER"
	EnvDBHost   = "STOCKFLOW_DB_HOST"
	EnvDBPort   = "STOCKFLOW_DB_PORT"
	EnvDBUser   = "STOCKFLOW_DB_USER"
	EnvDBName   = "STOCKFLOW_DB_NAME"

	EnvRedisURL = "STOCKFLOW_REDIS_URL"

	EnvBrokerTransport  = "STOCKFLOW_BROKER_TRANSPORT"
	EnvBrokerStockTopic = "STOCKFLOW_BROKER_STOCK_TOPIC"
	EnvBrokerHintTopic  = "STOCKFLOW_BROKER_HINT_TOPIC"

	EnvGCPProjectID = "STOCKFLOW_GCP_PROJECT_ID"
	EnvKafkaBrokers = "STOCKFLOW_KAFKA_BROKERS"

	EnvOutboxMaxCheckbacks = "STOCKFLOW_OUTBOX_MAX_CHECKBACKS"
	EnvOrderSequenceName   = "STOCKFLOW_ORDER_SEQUENCE_NAME"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
