package config

const EnvPrefix = "DISPATCH"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "DISPATCH_APP_ENV"
	EnvPort     = "DISPATCH_APP_PORT"
	EnvLogLevel = "DISPATCH_LOG_LEVEL"

	EnvDBDSN  = "DISPATCH_DB_DSN"
	EnvDBHost = "DISPATCH_DB_HOST"
	EnvDBUser = "DISPATCH_DB_USER"
	EnvDBName = "DISPATCH_DB_NAME"

	EnvRedisURL = "DISPATCH_REDIS_URL"

	EnvDriverResponseTimeout = "DISPATCH_DRIVER_RESPONSE_TIMEOUT"
	EnvOrderGlobalTimeout    = "DISPATCH_ORDER_GLOBAL_TIMEOUT"
	EnvBroadcastDistricts    = "DISPATCH_BROADCAST_DISTRICTS"
	EnvMaintenanceHour       = "DISPATCH_MAINTENANCE_HOUR"

	EnvNotifyBackend = "DISPATCH_NOTIFY_BACKEND"
	EnvKafkaBrokers  = "DISPATCH_KAFKA_BROKERS"
)

const (
	NotifyBackendLog    = "log"
	NotifyBackendPubSub = "pubsub"
	NotifyBackendKafka  = "kafka"
	NotifyBackendAMQP   = "amqp"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
