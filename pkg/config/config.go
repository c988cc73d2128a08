package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/twiz718/udp-ferry/pkg/protocol"
)

const envPrefix = "ferry"

// Config is shared by the server and the client. Every field can be set
// with a FERRY_ prefixed environment variable, e.g. FERRY_ACK_TIMEOUT=2s.
type Config struct {
	Host      string `split_words:"true" default:"127.0.0.1" validate:"required"`
	Port      int    `split_words:"true" default:"5555" validate:"gte=0,lte=65535"`
	Transport string `split_words:"true" default:"udp" validate:"oneof=udp tcp"`
	Dir       string `split_words:"true" default:"." validate:"required"`

	AckTimeout      time.Duration `split_words:"true" default:"1s" validate:"gt=0"`
	FinTimeout      time.Duration `split_words:"true" default:"0s" validate:"gte=0"`
	ResponseTimeout time.Duration `split_words:"true" default:"5s" validate:"gt=0"`
	Retries         int           `split_words:"true" default:"3" validate:"gte=0,lte=100"`
	Framing         string        `split_words:"true" default:"sequenced" validate:"oneof=raw sequenced"`

	SessionTTL      time.Duration `envconfig:"SESSION_TTL" default:"30s" validate:"gt=0"`
	MaxSessions     int           `split_words:"true" default:"128" validate:"gt=0"`
	StatsInterval   time.Duration `split_words:"true" default:"5s" validate:"gt=0"`
	QuitStopsServer bool          `split_words:"true" default:"true"`

	Journal   string `split_words:"true"`
	DNSServer string `envconfig:"DNS_SERVER" validate:"omitempty,hostname_port"`
	Debug     bool   `split_words:"true"`
}

var validate = validator.New()

// Load reads optional dotenv files (".env" when none are given) and then the
// environment. Variables already set in the environment win over dotenv files.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.ProtocolOptions(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProtocolOptions maps the timing and framing settings onto the transfer
// engine. Retransmission is only possible with sequenced framing, so raw
// framing forces zero retries.
func (c *Config) ProtocolOptions() (protocol.Options, error) {
	framing, err := protocol.ParseFraming(c.Framing)
	if err != nil {
		return protocol.Options{}, err
	}
	opts := protocol.DefaultOptions()
	opts.AckTimeout = c.AckTimeout
	opts.FinTimeout = c.FinTimeout
	opts.Framing = framing
	if framing == protocol.FramingSequenced {
		opts.Retries = c.Retries
	}
	return opts, opts.Validate()
}
