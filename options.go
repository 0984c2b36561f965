package mqtt

import (
	"fmt"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/google/uuid"
)

// Listen describes one network endpoint the broker accepts connections
// on, with optional TLS material.
type Listen struct {
	URL      string `mapstructure:"url"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

// BrokerOptions is the broker's CLI/config-file-bound configuration
// surface: keep-alive and packet-size limits, the inflight/offline queue
// bound derived from ReceiveMaximum, topic-alias capacity, shutdown and
// keep-alive timing, and where to find the security configuration file.
// It is populated by cmd/mqtt-server via viper, but is a plain struct so
// it's just as usable when embedding the broker in another program.
type BrokerOptions struct {
	MQTT      Listen `mapstructure:"mqtt"`
	MQTTs     Listen `mapstructure:"mqtts"`
	WebSocket Listen `mapstructure:"websocket"`
	HTTP      Listen `mapstructure:"http"`

	KeepAliveMax       time.Duration `mapstructure:"keepAliveMax"`
	ReceiveMaximum     int           `mapstructure:"receiveMaximum"`
	MaximumPacketSize  uint32        `mapstructure:"maximumPacketSize"`
	TopicAliasMaximum  uint16        `mapstructure:"topicAliasMaximum"`
	OfflineQueueCap    int           `mapstructure:"offlineQueueCap"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdownTimeout"`
	PingRespTimeout    time.Duration `mapstructure:"pingRespTimeout"`
	SecurityConfigPath string        `mapstructure:"securityConfigPath"`

	// AllowLongClientIDs relaxes the v3.1.1 23-character client
	// identifier ceiling (MQTT-3.1.3-5 only mandates server support up to
	// that length, not a hard cap). v5.0 connections are never subject to
	// the check regardless of this setting.
	AllowLongClientIDs bool `mapstructure:"allowLongClientIDs"`
}

// DefaultBrokerOptions returns the broker's out-of-the-box configuration.
func DefaultBrokerOptions() BrokerOptions {
	return BrokerOptions{
		MQTT:              Listen{URL: "mqtt://127.0.0.1:1883"},
		HTTP:              Listen{URL: "http://127.0.0.1:9090"},
		KeepAliveMax:      2 * time.Minute,
		ReceiveMaximum:    65535,
		MaximumPacketSize: 268435455, // the MQTT5 maximum, absent an explicit server limit
		TopicAliasMaximum: 16,
		OfflineQueueCap:   1000,
		ShutdownTimeout:    10 * time.Second,
		PingRespTimeout:    30 * time.Second,
		AllowLongClientIDs: true,
	}
}

// Options is the client-role configuration, built with the functional
// options below. The client uses URL, ClientID, Subscriptions and
// ReceiveMaximum (the size of its inflight store); its CONNECT is always
// v3.1.1 and carries only the client ID, so Version, CleanStart,
// KeepAlive, SessionExpiryInterval, TopicAliasMaximum, Username and
// Password are stored but not sent.
type Options struct {
	URL           string
	ClientID      string
	Version       byte
	Subscriptions []packet.Subscription
	CleanStart    bool
	KeepAlive     uint16

	SessionExpiryInterval time.Duration
	ReceiveMaximum        uint16
	TopicAliasMaximum     uint16

	Username string
	Password string
}

type Option func(*Options)

func newOptions(opts ...Option) Options {
	options := Options{
		URL:               "mqtt://127.0.0.1:1883",
		ClientID:          "mqtt-" + uuid.NewString(),
		Version:           packet.VERSION311,
		CleanStart:        true,
		KeepAlive:         60,
		ReceiveMaximum:    65535,
		TopicAliasMaximum: 16,
	}
	for _, o := range opts {
		o(&options)
	}
	return options
}

func URL(url string) Option {
	return func(o *Options) {
		o.URL = url
	}
}

func ClientID(id string) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

func Credentials(username, password string) Option {
	return func(o *Options) {
		o.Username, o.Password = username, password
	}
}

func CleanStart(clean bool) Option {
	return func(o *Options) {
		o.CleanStart = clean
	}
}

func KeepAlive(seconds uint16) Option {
	return func(o *Options) {
		o.KeepAlive = seconds
	}
}

func SessionExpiryInterval(d time.Duration) Option {
	return func(o *Options) {
		o.SessionExpiryInterval = d
	}
}

func Subscription(subscription ...packet.Subscription) Option {
	return func(o *Options) {
		o.Subscriptions = append(o.Subscriptions, subscription...)
	}
}

func Version[T ~string | ~byte](version T) Option {
	return func(o *Options) {
		switch v := any(version).(type) {
		case byte:
			o.Version = v
		case string:
			switch v {
			case "5.0.0":
				o.Version = packet.VERSION500
			case "3.1.1":
				o.Version = packet.VERSION311
			default:
				panic(fmt.Errorf("version = %s not support", v))
			}
		}
	}
}
