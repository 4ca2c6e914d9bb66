package config

import "time"

type Config struct {
	App            AppConfig            `mapstructure:"app"`
	HTTP           HTTPConfig           `mapstructure:"http"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Queue          QueueConfig          `mapstructure:"queue"`
	JWT            JWTConfig            `mapstructure:"jwt"`
	Telephony      TelephonyConfig      `mapstructure:"telephony"`
	LLM            LLMConfig            `mapstructure:"llm"`
	Synthesis      SynthesisConfig      `mapstructure:"synthesis"`
	Transcription  TranscriptionConfig  `mapstructure:"transcription"`
	Conversation   ConversationConfig   `mapstructure:"conversation"`
	Silence        SilenceConfig        `mapstructure:"silence"`
	Interruption   InterruptionConfig   `mapstructure:"interruption"`
	Session        SessionConfig        `mapstructure:"session"`
	Vault          VaultConfig          `mapstructure:"vault"`
	Notification   NotificationConfig   `mapstructure:"notification"`
	Billing        BillingConfig        `mapstructure:"billing"`
	OpenTelemetry  OpenTelemetryConfig  `mapstructure:"opentelemetry"`
	Prometheus     PrometheusConfig     `mapstructure:"prometheus"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	CORS           CORSConfig           `mapstructure:"cors"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// QueueConfig selects the event bus backend: "nats" or "rabbitmq".
type QueueConfig struct {
	Backend       string        `mapstructure:"backend"`
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

type TelephonyConfig struct {
	APIBaseURL       string        `mapstructure:"api_base_url"`
	APIKey           string        `mapstructure:"api_key"`
	WebhookPublicKey string        `mapstructure:"webhook_public_key"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	// Deadline is the hard bound on transition-evaluation calls.
	Deadline          time.Duration `mapstructure:"deadline"`
	GenerateDeadline  time.Duration `mapstructure:"generate_deadline"`
	ExtractDeadline   time.Duration `mapstructure:"extract_deadline"`
	MaxHistoryTurns   int           `mapstructure:"max_history_turns"`
	SystemInstruction string        `mapstructure:"system_instruction"`
}

type SynthesisConfig struct {
	StreamURL      string        `mapstructure:"stream_url"`
	APIKey         string        `mapstructure:"api_key"`
	Voice          string        `mapstructure:"voice"`
	Language       string        `mapstructure:"language"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// WordsPerMinute drives playback-duration estimates.
	WordsPerMinute int `mapstructure:"words_per_minute"`
}

type TranscriptionConfig struct {
	StreamURL      string        `mapstructure:"stream_url"`
	APIKey         string        `mapstructure:"api_key"`
	Language       string        `mapstructure:"language"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ConversationConfig holds the tunable dialogue parameters. These were found
// empirically; keep them in config so they can be validated against recorded
// corpora rather than baked into logic.
type ConversationConfig struct {
	HistoryLimit         int      `mapstructure:"history_limit"`
	AffirmativePrefixes  []string `mapstructure:"affirmative_prefixes"`
	NegativePrefixes     []string `mapstructure:"negative_prefixes"`
	AcknowledgementWords []string `mapstructure:"acknowledgement_words"`
	WaitPhrases          []string `mapstructure:"wait_phrases"`
	MaxFragmentRunes     int      `mapstructure:"max_fragment_runes"`
	ClosingLine          string   `mapstructure:"closing_line"`
	DefaultCheckinPhrase string   `mapstructure:"default_checkin_phrase"`
}

type SilenceConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	WaitTimeout      time.Duration `mapstructure:"wait_timeout"`
	MaxCheckins      int           `mapstructure:"max_checkins"`
	MaxCallDuration  time.Duration `mapstructure:"max_call_duration"`
	SpeechStaleAfter time.Duration `mapstructure:"speech_stale_after"`
}

type InterruptionConfig struct {
	MinWords            int           `mapstructure:"min_words"`
	GracePeriod         time.Duration `mapstructure:"grace_period"`
	TokenOverlapRatio   float64       `mapstructure:"token_overlap_ratio"`
	TrigramOverlapRatio float64       `mapstructure:"trigram_overlap_ratio"`
	PreStartBuffer      time.Duration `mapstructure:"pre_start_buffer"`
}

type SessionConfig struct {
	DescriptorTTL time.Duration `mapstructure:"descriptor_ttl"`
	FlagTTL       time.Duration `mapstructure:"flag_ttl"`
	ReadyWait     time.Duration `mapstructure:"ready_wait"`
	ExpiryGrace   time.Duration `mapstructure:"expiry_grace"`
}

type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
}

type NotificationConfig struct {
	Email EmailConfig `mapstructure:"email"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	APIKey   string `mapstructure:"api_key"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

type BillingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	StripeKey string `mapstructure:"stripe_key"`
}

type OpenTelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      int           `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}
