package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/axmq/courier/client"
	"github.com/axmq/courier/encoding"
	"github.com/axmq/courier/transport"
)

var validate = validator.New()

// Duration wraps time.Duration so YAML values like "250ms" or "30s"
// parse with time.ParseDuration
type Duration time.Duration

// UnmarshalYAML decodes a duration string or an integer nanosecond count
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var ns int64
		if err := value.Decode(&ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the YAML file shape mapped onto client options
type Config struct {
	Client Client `yaml:"client" validate:"required"`
}

// Client holds the per-connection settings
type Client struct {
	// ClientID keys the connection
	ClientID string `yaml:"client_id" validate:"required"`
	// Server is the broker endpoint: host:port for tcp/tls, a URL for ws
	Server Server `yaml:"server" validate:"required"`
	// CleanSession requests a fresh broker session on the first connect
	CleanSession bool `yaml:"clean_session"`
	// ForceCleanSession keeps clean_session=true on every reconnect
	ForceCleanSession bool `yaml:"force_clean_session"`
	// KeepAlive is the CONNECT keep-alive in seconds; 0 disables pings
	KeepAlive uint16 `yaml:"keep_alive"`
	Username  string `yaml:"user_name"`
	Password  string `yaml:"password"`
	Will      *Will  `yaml:"will"`
	// Subscriptions are sent immediately after every successful CONNACK
	Subscriptions []Subscription `yaml:"subscriptions" validate:"dive"`
	Backoff       Backoff        `yaml:"backoff"`
	// FirstConnectDelay staggers the very first connect attempt
	FirstConnectDelay Duration `yaml:"first_connect_delay"`
	// ConnackTimeout bounds the wait for CONNACK after CONNECT
	ConnackTimeout Duration `yaml:"connack_timeout"`
}

// Server selects and configures the transport
type Server struct {
	// Transport is one of tcp, tls, ws
	Transport string `yaml:"transport" validate:"required,oneof=tcp tls ws"`
	// Addr is host:port for tcp/tls, the full URL for ws
	Addr string `yaml:"addr" validate:"required"`
	TLS  *TLS   `yaml:"tls"`
}

// TLS holds the file-based TLS options
type TLS struct {
	ServerName         string `yaml:"server_name"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"cacerts_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Will is the last-will message carried in CONNECT
type Will struct {
	Topic   string `yaml:"topic" validate:"required"`
	Payload string `yaml:"payload"`
	QoS     byte   `yaml:"qos" validate:"lte=2"`
	Retain  bool   `yaml:"retain"`
}

// Subscription is one initial topic filter
type Subscription struct {
	TopicFilter string `yaml:"topic_filter" validate:"required"`
	QoS         byte   `yaml:"qos" validate:"lte=2"`
}

// Backoff configures the reconnect delay policy
type Backoff struct {
	MinInterval Duration `yaml:"min_interval"`
	MaxInterval Duration `yaml:"max_interval"`
}

// Load reads and validates a YAML config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates YAML config bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration structure
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Client.Server.Transport == "tls" && c.Client.Server.TLS == nil {
		return fmt.Errorf("invalid config: tls transport requires a tls section")
	}

	return nil
}

// Options maps the file configuration onto client options
func (c *Config) Options() (client.Options, error) {
	opts := client.DefaultOptions()
	cc := c.Client

	opts.ClientID = cc.ClientID
	opts.Addr = cc.Server.Addr
	opts.CleanSession = cc.CleanSession
	opts.ForceCleanSession = cc.ForceCleanSession
	opts.KeepAlive = cc.KeepAlive
	opts.Username = cc.Username
	if cc.Password != "" {
		opts.Password = []byte(cc.Password)
	}
	opts.FirstConnectDelay = cc.FirstConnectDelay.Std()
	if cc.ConnackTimeout > 0 {
		opts.ConnackTimeout = cc.ConnackTimeout.Std()
	}

	if cc.Backoff.MinInterval > 0 {
		opts.Backoff.MinInterval = cc.Backoff.MinInterval.Std()
	}
	if cc.Backoff.MaxInterval > 0 {
		opts.Backoff.MaxInterval = cc.Backoff.MaxInterval.Std()
	}

	if cc.Will != nil {
		opts.Will = &client.Will{
			Topic:   cc.Will.Topic,
			Payload: []byte(cc.Will.Payload),
			QoS:     encoding.QoS(cc.Will.QoS),
			Retain:  cc.Will.Retain,
		}
	}

	for _, sub := range cc.Subscriptions {
		opts.InitialSubscriptions = append(opts.InitialSubscriptions, encoding.Subscription{
			TopicFilter: sub.TopicFilter,
			QoS:         encoding.QoS(sub.QoS),
		})
	}

	dialer, err := c.dialer()
	if err != nil {
		return client.Options{}, err
	}
	opts.Dialer = dialer

	return opts, nil
}

func (c *Config) dialer() (transport.Dialer, error) {
	server := c.Client.Server

	switch server.Transport {
	case "tcp":
		return &transport.TCPDialer{}, nil

	case "tls":
		return &transport.TLSDialer{
			Config: &transport.TLSConfig{
				ServerName:         server.TLS.ServerName,
				CertFile:           server.TLS.CertFile,
				KeyFile:            server.TLS.KeyFile,
				CAFile:             server.TLS.CAFile,
				InsecureSkipVerify: server.TLS.InsecureSkipVerify,
			},
		}, nil

	case "ws":
		dialer := &transport.WebSocketDialer{}
		if server.TLS != nil {
			tlsConfig, err := (&transport.TLSConfig{
				ServerName:         server.TLS.ServerName,
				CertFile:           server.TLS.CertFile,
				KeyFile:            server.TLS.KeyFile,
				CAFile:             server.TLS.CAFile,
				InsecureSkipVerify: server.TLS.InsecureSkipVerify,
			}).Build()
			if err != nil {
				return nil, err
			}
			dialer.TLSConfig = tlsConfig
		}
		return dialer, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", server.Transport)
	}
}
