package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// EnvPrefix: префикс переменных окружения конфигурации.
const EnvPrefix = "KEYSHOP"

// Ключи конфигурации. В окружении: KEYSHOP_<KEY в верхнем регистре>.
const (
	keyConfigFile            = "config_file"
	keyHTTPAddr              = "http_addr"
	keyMetricsAddr           = "metrics_addr"
	keyGRPCAddr              = "grpc_addr"
	keyStorageDriver         = "storage_driver"
	keyPostgresDSN           = "postgres_dsn"
	keyPostgresAutoMigrate   = "postgres_auto_migrate"
	keyPostgresMaxConns      = "postgres_max_conns"
	keyRedisAddr             = "redis_addr"
	keyRedisPassword         = "redis_password"
	keyRedisDB               = "redis_db"
	keyKafkaBrokers          = "kafka_brokers"
	keyKafkaClientID         = "kafka_client_id"
	keyKafkaConsumerGroup    = "kafka_consumer_group"
	keyAllowMocks            = "allow_mock_integrations"
	keyGatewayBaseURL        = "gateway_base_url"
	keyMerchantKey           = "merchant_key"
	keyCallbackURL           = "callback_url"
	keyReturnURL             = "return_url"
	keyCurrency              = "currency"
	keyInvoiceLifetime       = "invoice_lifetime"
	keyDescriptionLimit      = "description_limit"
	keyProviderBaseURL       = "key_provider_base_url"
	keyProviderAPIKey        = "key_provider_api_key"
	keyProviderTimeout       = "key_provider_timeout"
	keySMTPHost              = "smtp_host"
	keySMTPPort              = "smtp_port"
	keySMTPUsername          = "smtp_username"
	keySMTPPassword          = "smtp_password"
	keySMTPFrom              = "smtp_from"
	keySMTPStartTLS          = "smtp_starttls"
	keyNotifyTimeout         = "notify_timeout"
	keyTelegramBotToken      = "telegram_bot_token"
	keyTelegramChatID        = "telegram_chat_id"
	keyLockTimeout           = "lock_timeout"
	keyLockTTL               = "lock_ttl"
	keyRunTimeout            = "fulfillment_run_timeout"
	keyOrderExpireAfter      = "order_expire_after"
	keyExpirySweepInterval   = "expiry_sweep_interval"
	keyOutboxPollInterval    = "outbox_poll_interval"
	keyOutboxBatchSize       = "outbox_batch_size"
	keyOutboxMaxAttempts     = "outbox_max_attempts"
	keyOutboxRetryDelay      = "outbox_retry_delay"
	keyIdempotencyTTL        = "idempotency_ttl"
	keyIdempotencyCleanup    = "idempotency_cleanup_interval"
	keyIdempotencyBatchSize  = "idempotency_cleanup_batch_size"
	keyRateLimitRPS          = "rate_limit_rps"
	keyRateLimitBurst        = "rate_limit_burst"
	keyRequestTimeout        = "request_timeout"
	keyMaxBodyBytes          = "max_body_bytes"
	keyDeliveryConsumerRetry = "delivery_max_retries"
)

// Config описывает настройки запуска магазина.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	// GRPCAddr: порт gRPC health для оркестратора.
	GRPCAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int
	// RedisAddr включает распределённую блокировку заказов.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KafkaBrokers: список через запятую; пусто означает работу без Kafka.
	KafkaBrokers       string
	KafkaClientID      string
	KafkaConsumerGroup string

	// AllowMockIntegrations разрешает заглушки шлюза и поставщика при пустых URL.
	AllowMockIntegrations bool

	GatewayBaseURL   string
	MerchantKey      string
	CallbackURL      string
	ReturnURL        string
	Currency         string
	InvoiceLifetime  time.Duration
	DescriptionLimit int

	KeyProviderBaseURL string
	KeyProviderAPIKey  string
	KeyProviderTimeout time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	// SMTPStartTLS: отключается только для локальных почтовых заглушек.
	SMTPStartTLS  bool
	NotifyTimeout time.Duration

	TelegramBotToken string
	TelegramChatID   string

	LockTimeout time.Duration
	// LockTTL: срок аренды блокировки в Redis; RunTimeout обязан быть короче.
	LockTTL             time.Duration
	RunTimeout          time.Duration
	OrderExpireAfter    time.Duration
	ExpirySweepInterval time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	RateLimitRPS       float64
	RateLimitBurst     int
	RequestTimeout     time.Duration
	MaxBodyBytes       int64
	DeliveryMaxRetries int
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,

		KafkaClientID:      "keyshop",
		KafkaConsumerGroup: "keyshop-delivery",

		Currency:         "USDT",
		InvoiceLifetime:  time.Hour,
		DescriptionLimit: 50,

		KeyProviderTimeout: 10 * time.Second,

		SMTPPort:      587,
		SMTPStartTLS:  true,
		NotifyTimeout: 15 * time.Second,

		LockTimeout:         10 * time.Second,
		LockTTL:             2 * time.Minute,
		RunTimeout:          90 * time.Second,
		OrderExpireAfter:    time.Hour,
		ExpirySweepInterval: 5 * time.Minute,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		RateLimitRPS:       10,
		RateLimitBurst:     20,
		RequestTimeout:     30 * time.Second,
		MaxBodyBytes:       1 << 20,
		DeliveryMaxRetries: 3,
	}
}

// NewViper создаёт viper, читающий KEYSHOP_* из окружения.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig накладывает значения из v на DefaultConfig. Нераспознанные значения
// не прерывают запуск: поле остаётся дефолтным, а в warnings попадает описание.
// Если задан config_file, он читается до разбора.
func LoadConfig(v *viper.Viper) (Config, []string, error) {
	cfg := DefaultConfig()
	if v == nil {
		return cfg, nil, nil
	}

	if path := strings.TrimSpace(v.GetString(keyConfigFile)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	l := loader{v: v}
	l.str(keyHTTPAddr, &cfg.HTTPAddr)
	l.str(keyMetricsAddr, &cfg.MetricsAddr)
	l.str(keyGRPCAddr, &cfg.GRPCAddr)

	if l.str(keyStorageDriver, &cfg.StorageDriver) {
		cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	}
	l.str(keyPostgresDSN, &cfg.PostgresDSN)
	l.boolean(keyPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	l.integer(keyPostgresMaxConns, &cfg.PostgresMaxConns, 1)
	l.str(keyRedisAddr, &cfg.RedisAddr)
	l.str(keyRedisPassword, &cfg.RedisPassword)
	l.integer(keyRedisDB, &cfg.RedisDB, 0)

	l.str(keyKafkaBrokers, &cfg.KafkaBrokers)
	l.str(keyKafkaClientID, &cfg.KafkaClientID)
	l.str(keyKafkaConsumerGroup, &cfg.KafkaConsumerGroup)
	l.boolean(keyAllowMocks, &cfg.AllowMockIntegrations)

	l.str(keyGatewayBaseURL, &cfg.GatewayBaseURL)
	l.str(keyMerchantKey, &cfg.MerchantKey)
	l.str(keyCallbackURL, &cfg.CallbackURL)
	l.str(keyReturnURL, &cfg.ReturnURL)
	if l.str(keyCurrency, &cfg.Currency) {
		cfg.Currency = strings.ToUpper(cfg.Currency)
	}
	l.duration(keyInvoiceLifetime, &cfg.InvoiceLifetime)
	l.integer(keyDescriptionLimit, &cfg.DescriptionLimit, 1)

	l.str(keyProviderBaseURL, &cfg.KeyProviderBaseURL)
	l.str(keyProviderAPIKey, &cfg.KeyProviderAPIKey)
	l.duration(keyProviderTimeout, &cfg.KeyProviderTimeout)

	l.str(keySMTPHost, &cfg.SMTPHost)
	l.integer(keySMTPPort, &cfg.SMTPPort, 1)
	l.str(keySMTPUsername, &cfg.SMTPUsername)
	l.str(keySMTPPassword, &cfg.SMTPPassword)
	l.str(keySMTPFrom, &cfg.SMTPFrom)
	l.boolean(keySMTPStartTLS, &cfg.SMTPStartTLS)
	l.duration(keyNotifyTimeout, &cfg.NotifyTimeout)

	l.str(keyTelegramBotToken, &cfg.TelegramBotToken)
	l.str(keyTelegramChatID, &cfg.TelegramChatID)

	l.duration(keyLockTimeout, &cfg.LockTimeout)
	l.duration(keyLockTTL, &cfg.LockTTL)
	l.duration(keyRunTimeout, &cfg.RunTimeout)
	l.duration(keyOrderExpireAfter, &cfg.OrderExpireAfter)
	l.duration(keyExpirySweepInterval, &cfg.ExpirySweepInterval)

	l.duration(keyOutboxPollInterval, &cfg.OutboxPollInterval)
	l.integer(keyOutboxBatchSize, &cfg.OutboxBatchSize, 1)
	l.integer(keyOutboxMaxAttempts, &cfg.OutboxMaxAttempts, 1)
	l.durationAllowZero(keyOutboxRetryDelay, &cfg.OutboxRetryDelay)

	l.duration(keyIdempotencyTTL, &cfg.IdempotencyTTL)
	l.duration(keyIdempotencyCleanup, &cfg.IdempotencyCleanupInterval)
	l.integer(keyIdempotencyBatchSize, &cfg.IdempotencyCleanupBatchSize, 1)

	l.float(keyRateLimitRPS, &cfg.RateLimitRPS)
	l.integer(keyRateLimitBurst, &cfg.RateLimitBurst, 1)
	l.duration(keyRequestTimeout, &cfg.RequestTimeout)
	var maxBody int
	if l.integer(keyMaxBodyBytes, &maxBody, 1) {
		cfg.MaxBodyBytes = int64(maxBody)
	}
	l.integer(keyDeliveryConsumerRetry, &cfg.DeliveryMaxRetries, 0)

	return cfg, l.warnings, nil
}

// Validate проверяет сочетания настроек, без которых запуск бессмыслен.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres storage requires %s_%s", EnvPrefix, strings.ToUpper(keyPostgresDSN))
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	if !c.AllowMockIntegrations {
		if c.GatewayBaseURL == "" {
			return fmt.Errorf("payment gateway url is required (set %s_%s=true for local runs)", EnvPrefix, strings.ToUpper(keyAllowMocks))
		}
		if c.MerchantKey == "" {
			return fmt.Errorf("merchant key is required to verify payment callbacks")
		}
	}
	if c.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if c.RunTimeout >= c.LockTTL {
		return fmt.Errorf("%s (%s) must be shorter than %s (%s)", keyRunTimeout, c.RunTimeout, keyLockTTL, c.LockTTL)
	}
	return nil
}

// KafkaBrokerList разбирает список брокеров, пропуская пустые элементы.
func (c Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loader читает значения как строки, чтобы ошибки разбора становились warnings,
// а не молчаливыми нулями.
type loader struct {
	v        *viper.Viper
	warnings []string
}

func (l *loader) raw(key string) (string, bool) {
	if !l.v.IsSet(key) {
		return "", false
	}
	s := strings.TrimSpace(l.v.GetString(key))
	return s, s != ""
}

func (l *loader) warn(key, value, reason string) {
	l.warnings = append(l.warnings, fmt.Sprintf("%s_%s=%q ignored: %s", EnvPrefix, strings.ToUpper(key), value, reason))
}

func (l *loader) str(key string, dst *string) bool {
	s, ok := l.raw(key)
	if ok {
		*dst = s
	}
	return ok
}

func (l *loader) boolean(key string, dst *bool) {
	s, ok := l.raw(key)
	if !ok {
		return
	}
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		l.warn(key, s, "expected boolean")
	}
}

func (l *loader) integer(key string, dst *int, minValue int) bool {
	s, ok := l.raw(key)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		l.warn(key, s, "expected integer")
		return false
	}
	if n < minValue {
		l.warn(key, s, fmt.Sprintf("must be >= %d", minValue))
		return false
	}
	*dst = n
	return true
}

func (l *loader) float(key string, dst *float64) {
	s, ok := l.raw(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		l.warn(key, s, "expected positive number")
		return
	}
	*dst = f
}

func (l *loader) duration(key string, dst *time.Duration) {
	s, ok := l.raw(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		l.warn(key, s, "expected positive duration")
		return
	}
	*dst = d
}

func (l *loader) durationAllowZero(key string, dst *time.Duration) {
	s, ok := l.raw(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		l.warn(key, s, "expected non-negative duration")
		return
	}
	*dst = d
}
