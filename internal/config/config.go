// Package config предоставляет структуры и функции для парсинга и загрузки конфига
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Политики выбора узла при продлении подписки.
const (
	NodePolicySticky    = "sticky"
	NodePolicyRebalance = "rebalance"
)

// Config общая структура для хранения настроек
type Config struct {
	Env             string `yaml:"env" env:"ENV" env-default:"local"`
	MigrationsPath  string `yaml:"migrations_path" env-default:"./migrations"`
	Storage         `yaml:"storage"`
	HTTPServer      `yaml:"http_server"`
	API             `yaml:"api"`
	RedisConnection `yaml:"redis_connection"`
	RabbitMQ        `yaml:"rabbitmq"`
	VPNPanel        `yaml:"vpn_panel"`
	License         `yaml:"license"`
	Engine          `yaml:"engine"`
	Referral        `yaml:"referral"`
	Scheduler       `yaml:"scheduler"`
	Providers       Providers `yaml:"providers"`
}

// Storage настройки подключения к PostgreSQL и пула соединений
type Storage struct {
	DSN             string        `yaml:"dsn" env:"STORAGE_DSN" env-required:"true"`
	MaxOpenConns    int           `yaml:"max_open_conns" env-default:"20"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env-default:"30m"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP     string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP     time.Duration `yaml:"timeouthttp" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"15s"`
}

// API настройки внешнего HTTP-фасада со статическим токеном
type API struct {
	AccessToken string  `yaml:"access_token" env:"API_ACCESS_TOKEN" env-required:"true"`
	RateLimit   float64 `yaml:"rate_limit" env-default:"5"`
	RateBurst   int     `yaml:"rate_burst" env-default:"10"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis   string        `yaml:"addressredis" env-default:"localhost:6379"`
	Password       string        `yaml:"password" env:"REDIS_PASSWORD"`
	User           string        `yaml:"user"`
	DB             int           `yaml:"db"`
	MaxRetries     int           `yaml:"max_retries"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	TimeoutRedis   time.Duration `yaml:"timeoutredis"`
	EntitlementTTL time.Duration `yaml:"entitlement_ttl" env-default:"5m"`
}

// RabbitMQ настройки брокера сообщений
type RabbitMQ struct {
	URL           string        `yaml:"url" env:"RABBITMQ_URL"`
	MaxRetries    int           `yaml:"max_retries" env-default:"5"`
	RetryDelay    time.Duration `yaml:"retry_delay" env-default:"2s"`
	IncomingQueue string        `yaml:"incoming_queue" env-default:"payments.incoming"`
	RequeueDelay  time.Duration `yaml:"requeue_delay" env-default:"5s"`
}

// VPNPanel настройки клиента панели управления узлами
type VPNPanel struct {
	BaseURL        string        `yaml:"base_url" env:"VPN_PANEL_URL"`
	Username       string        `yaml:"username" env:"VPN_PANEL_USERNAME"`
	Password       string        `yaml:"password" env:"VPN_PANEL_PASSWORD"`
	Timeout        time.Duration `yaml:"timeout" env-default:"10s"`
	NodeStaleAfter time.Duration `yaml:"node_stale_after" env-default:"10m"`
}

// License настройки проверки лицензии
type License struct {
	URL          string        `yaml:"url" env:"LICENSE_URL"`
	Key          string        `yaml:"key" env:"LICENSE_KEY"`
	InvalidGrace time.Duration `yaml:"invalid_grace" env-default:"0s"`
	Timeout      time.Duration `yaml:"timeout" env-default:"10s"`
}

// Engine настройки движка сверки платежей
type Engine struct {
	GracePeriod        time.Duration `yaml:"grace_period" env-default:"72h"`
	NodePolicy         string        `yaml:"node_policy" env-default:"sticky"`
	MaxStaleRetries    int           `yaml:"max_stale_retries" env-default:"3"`
	PendingPollMaxAge  time.Duration `yaml:"pending_poll_max_age" env-default:"24h"`
	RepairMinAge       time.Duration `yaml:"repair_min_age" env-default:"1m"`
	BatchSize          int           `yaml:"batch_size" env-default:"100"`
	ProvisionAttempts  int           `yaml:"provision_attempts" env-default:"3"`
	ProvisionRetryWait time.Duration `yaml:"provision_retry_wait" env-default:"500ms"`
}

// Referral настройки реферальной программы
type Referral struct {
	Enabled     bool   `yaml:"enabled" env-default:"true"`
	BonusAmount int64  `yaml:"bonus_amount" env-default:"5000"`
	Currency    string `yaml:"currency" env-default:"RUB"`
}

// Scheduler интервалы фоновых задач
type Scheduler struct {
	ExpiryInterval      time.Duration `yaml:"expiry_interval" env-default:"1m"`
	LicenseInterval     time.Duration `yaml:"license_interval" env-default:"1h"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval" env-default:"30m"`
	PollInterval        time.Duration `yaml:"poll_interval" env-default:"2m"`
	NodeRefreshInterval time.Duration `yaml:"node_refresh_interval" env-default:"1m"`
	TickTimeout         time.Duration `yaml:"tick_timeout" env-default:"50s"`
}

// Providers настройки платёжных провайдеров
type Providers struct {
	YooKassa      YooKassa      `yaml:"yookassa"`
	YooMoney      YooMoney      `yaml:"yoomoney"`
	TelegramStars TelegramStars `yaml:"telegram_stars"`
	CryptoBot     CryptoBot     `yaml:"cryptobot"`
	WataPro       WataPro       `yaml:"watapro"`
	Pally         Pally         `yaml:"pally"`
}

type YooKassa struct {
	Enabled       bool          `yaml:"enabled"`
	APIURL        string        `yaml:"api_url" env-default:"https://api.yookassa.ru/v3"`
	ShopID        string        `yaml:"shop_id" env:"YOOKASSA_SHOP_ID"`
	SecretKey     string        `yaml:"secret_key" env:"YOOKASSA_SECRET_KEY"`
	WebhookSecret string        `yaml:"webhook_secret" env:"YOOKASSA_WEBHOOK_SECRET"`
	Timeout       time.Duration `yaml:"timeout" env-default:"10s"`
	PollCeiling   time.Duration `yaml:"poll_ceiling" env-default:"30s"`
}

type YooMoney struct {
	Enabled            bool          `yaml:"enabled"`
	APIURL             string        `yaml:"api_url" env-default:"https://yoomoney.ru"`
	AccessToken        string        `yaml:"access_token" env:"YOOMONEY_ACCESS_TOKEN"`
	NotificationSecret string        `yaml:"notification_secret" env:"YOOMONEY_NOTIFICATION_SECRET"`
	Timeout            time.Duration `yaml:"timeout" env-default:"10s"`
	PollCeiling        time.Duration `yaml:"poll_ceiling" env-default:"1m"`
}

type TelegramStars struct {
	Enabled     bool          `yaml:"enabled"`
	SecretToken string        `yaml:"secret_token" env:"TELEGRAM_WEBHOOK_SECRET"`
	PollCeiling time.Duration `yaml:"poll_ceiling" env-default:"1s"`
}

type CryptoBot struct {
	Enabled     bool          `yaml:"enabled"`
	APIURL      string        `yaml:"api_url" env-default:"https://pay.crypt.bot"`
	Token       string        `yaml:"token" env:"CRYPTOBOT_TOKEN"`
	Timeout     time.Duration `yaml:"timeout" env-default:"10s"`
	PollCeiling time.Duration `yaml:"poll_ceiling" env-default:"30s"`
}

type WataPro struct {
	Enabled         bool          `yaml:"enabled"`
	APIURL          string        `yaml:"api_url" env-default:"https://api.wata.pro"`
	Token           string        `yaml:"token" env:"WATAPRO_TOKEN"`
	WebhookSecret   string        `yaml:"webhook_secret" env:"WATAPRO_WEBHOOK_SECRET"`
	Timeout         time.Duration `yaml:"timeout" env-default:"10s"`
	PollCeiling     time.Duration `yaml:"poll_ceiling" env-default:"30s"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env-default:"10"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout" env-default:"90s"`
}

type Pally struct {
	Enabled         bool          `yaml:"enabled"`
	APIURL          string        `yaml:"api_url" env-default:"https://pal24.pro"`
	Token           string        `yaml:"token" env:"PALLY_TOKEN"`
	Timeout         time.Duration `yaml:"timeout" env-default:"10s"`
	PollCeiling     time.Duration `yaml:"poll_ceiling" env-default:"45s"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env-default:"10"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout" env-default:"90s"`
}

// Load читает конфиг из файла path с переопределением из переменных окружения.
func Load(path string) (*Config, error) {
	const op = "config.Load"

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: file %s does not exist", op, path)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// MustLoad функция для загрузки конфига по пути из CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Validate проверяет согласованность значений, которые нельзя выразить тегами.
func (c *Config) Validate() error {
	switch c.NodePolicy {
	case NodePolicySticky, NodePolicyRebalance:
	default:
		return fmt.Errorf("engine.node_policy: unknown policy %q", c.NodePolicy)
	}
	if c.GracePeriod < 0 {
		return errors.New("engine.grace_period must not be negative")
	}
	if c.InvalidGrace < 0 {
		return errors.New("license.invalid_grace must not be negative")
	}
	if c.MaxOpenConns <= 0 {
		return errors.New("storage.max_open_conns must be positive")
	}
	return c.Providers.validate()
}

// validate требует секрет проверки уведомлений у каждого включённого провайдера,
// который подписывает свои callback'и. YooKassa без webhook_secret перечитывает платёж из API.
func (p Providers) validate() error {
	secrets := []struct {
		key     string
		enabled bool
		secret  string
	}{
		{"providers.yoomoney.notification_secret", p.YooMoney.Enabled, p.YooMoney.NotificationSecret},
		{"providers.telegram_stars.secret_token", p.TelegramStars.Enabled, p.TelegramStars.SecretToken},
		{"providers.cryptobot.token", p.CryptoBot.Enabled, p.CryptoBot.Token},
		{"providers.watapro.webhook_secret", p.WataPro.Enabled, p.WataPro.WebhookSecret},
		{"providers.pally.token", p.Pally.Enabled, p.Pally.Token},
	}
	for _, s := range secrets {
		if s.enabled && s.secret == "" {
			return fmt.Errorf("%s is required when the provider is enabled", s.key)
		}
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"Storage:\n"+
			"  MaxOpenConns: %d\n"+
			"  MaxIdleConns: %d\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"Redis:\n"+
			"  Addr: %s\n"+
			"  DB: %d\n"+
			"VPNPanel:\n"+
			"  BaseURL: %s\n"+
			"Engine:\n"+
			"  GracePeriod: %s\n"+
			"  NodePolicy: %s\n"+
			"Referral:\n"+
			"  Enabled: %t\n",
		c.Env,
		c.MaxOpenConns,
		c.MaxIdleConns,
		c.AddressHTTP,
		c.TimeoutHTTP,
		c.AddressRedis,
		c.DB,
		c.BaseURL,
		c.GracePeriod,
		c.NodePolicy,
		c.Referral.Enabled,
	)
}
