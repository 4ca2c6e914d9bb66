package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/app/configs")

	viper.SetEnvPrefix("APP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Allow common env vars without APP_ prefix for Docker/VM deploys
	viper.BindEnv("http.port", "HTTP_PORT", "APP_HTTP_PORT")
	viper.BindEnv("database.url", "DATABASE_URL", "APP_DATABASE_URL")
	viper.BindEnv("redis.url", "REDIS_URL", "APP_REDIS_URL")
	viper.BindEnv("queue.url", "QUEUE_URL", "APP_QUEUE_URL")
	viper.BindEnv("jwt.secret", "JWT_SECRET", "APP_JWT_SECRET")
	viper.BindEnv("telephony.api_key", "TELEPHONY_API_KEY")
	viper.BindEnv("llm.api_key", "LLM_API_KEY")
	viper.BindEnv("synthesis.api_key", "SYNTHESIS_API_KEY")
	viper.BindEnv("transcription.api_key", "TRANSCRIPTION_API_KEY")
	viper.BindEnv("notification.email.api_key", "SENDGRID_API_KEY")
	viper.BindEnv("billing.stripe_key", "STRIPE_SECRET_KEY")
	viper.BindEnv("vault.address", "VAULT_ADDR")
	viper.BindEnv("vault.token", "VAULT_TOKEN")
	viper.BindEnv("app.environment", "APP_ENVIRONMENT")
	viper.BindEnv("logging.level", "LOG_LEVEL")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// env vars only
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults seeds the empirically tuned conversational parameters. Deploys
// override them per agent corpus via config file or env.
func setDefaults() {
	viper.SetDefault("app.name", "callflow")
	viper.SetDefault("app.version", "v1.0.0")
	viper.SetDefault("app.environment", "production")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("queue.backend", "nats")

	viper.SetDefault("llm.deadline", 1800*time.Millisecond)
	viper.SetDefault("llm.generate_deadline", 6*time.Second)
	viper.SetDefault("llm.extract_deadline", 3*time.Second)
	viper.SetDefault("llm.max_history_turns", 12)

	viper.SetDefault("synthesis.voice", "nova")
	viper.SetDefault("synthesis.language", "en-US")
	viper.SetDefault("synthesis.words_per_minute", 150)

	viper.SetDefault("conversation.history_limit", 40)
	viper.SetDefault("conversation.max_fragment_runes", 180)
	viper.SetDefault("conversation.affirmative_prefixes", []string{
		"yes", "yeah", "yep", "sure", "correct", "absolutely", "definitely", "of course",
	})
	viper.SetDefault("conversation.negative_prefixes", []string{
		"no", "nope", "nah", "not really", "don't", "do not",
	})
	viper.SetDefault("conversation.acknowledgement_words", []string{
		"yeah", "yes", "ok", "okay", "sure", "uh-huh", "mm-hmm", "mhm",
		"right", "alright", "yep", "got it", "i see", "cool",
	})
	viper.SetDefault("conversation.wait_phrases", []string{
		"hold on", "wait", "one moment", "one second", "just a sec", "give me a minute",
	})
	viper.SetDefault("conversation.closing_line",
		"Sorry, we seem to be having technical trouble. I'll let you go now. Goodbye.")
	viper.SetDefault("conversation.default_checkin_phrase", "Are you still there?")

	viper.SetDefault("silence.tick_interval", 500*time.Millisecond)
	viper.SetDefault("silence.timeout", 8*time.Second)
	viper.SetDefault("silence.wait_timeout", 20*time.Second)
	viper.SetDefault("silence.max_checkins", 2)
	viper.SetDefault("silence.max_call_duration", 30*time.Minute)
	viper.SetDefault("silence.speech_stale_after", 5*time.Second)

	viper.SetDefault("interruption.min_words", 2)
	viper.SetDefault("interruption.grace_period", 1500*time.Millisecond)
	viper.SetDefault("interruption.token_overlap_ratio", 0.3)
	viper.SetDefault("interruption.trigram_overlap_ratio", 0.5)
	viper.SetDefault("interruption.pre_start_buffer", 750*time.Millisecond)

	viper.SetDefault("session.descriptor_ttl", 2*time.Hour)
	viper.SetDefault("session.flag_ttl", 2*time.Hour)
	viper.SetDefault("session.ready_wait", 5*time.Second)
	viper.SetDefault("session.expiry_grace", 5*time.Minute)
}
