package chatcore

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Settings holds every tunable of the session core. Zero values are not
// usable; obtain a base through DefaultSettings or SettingsFromEnv.
type Settings struct {
	ConnectTimeout       time.Duration `env:"CHATCORE_CONNECT_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval    time.Duration `env:"CHATCORE_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ReconnectBaseDelay   time.Duration `env:"CHATCORE_RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"CHATCORE_RECONNECT_MAX_DELAY" envDefault:"30s"`
	MaxReconnectAttempts int           `env:"CHATCORE_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`

	QueueCapacity     int           `env:"CHATCORE_QUEUE_CAPACITY" envDefault:"100"`
	QueueTickInterval time.Duration `env:"CHATCORE_QUEUE_TICK_INTERVAL" envDefault:"2s"`
	MessageMaxRetries int           `env:"CHATCORE_MESSAGE_MAX_RETRIES" envDefault:"3"`

	TypingTimeout  time.Duration `env:"CHATCORE_TYPING_TIMEOUT" envDefault:"3s"`
	TypingDebounce time.Duration `env:"CHATCORE_TYPING_DEBOUNCE" envDefault:"1s"`

	ErrorHistoryLimit int `env:"CHATCORE_ERROR_HISTORY_LIMIT" envDefault:"50"`
}

// DefaultSettings returns the stock configuration.
func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		QueueCapacity:        100,
		QueueTickInterval:    2 * time.Second,
		MessageMaxRetries:    3,
		TypingTimeout:        3 * time.Second,
		TypingDebounce:       time.Second,
		ErrorHistoryLimit:    50,
	}
}

// SettingsFromEnv loads Settings from environment variables, falling back to
// the defaults for anything unset.
func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, errors.Wrap(err, "parse env settings")
	}
	return s, nil
}
