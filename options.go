package mqtt

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"time"

	"github.com/golang-io/opifex/packet"
	"github.com/golang-io/requests"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type Listen struct {
	URL      string `yaml:"url" json:"URL"`
	CertFile string `yaml:"certFile" json:"CertFile"`
	KeyFile  string `yaml:"keyFile" json:"KeyFile"`
}

type config struct {
	HTTP       Listen            `yaml:"HTTP"`
	MQTT       Listen            `yaml:"MQTT"`
	MQTTs      Listen            `yaml:"MQTTs"`
	WebSocket  Listen            `yaml:"Websocket"`
	WebSockets Listen            `yaml:"Websockets"`
	Auth       map[string]string `yaml:"Auth"`

	// PublishRate limits inbound PUBLISH packets per connection per second. 0 disables.
	PublishRate  float64 `yaml:"PublishRate"`
	PublishBurst int     `yaml:"PublishBurst"`
}

func (c *config) GetAuth(username string) (string, bool) {
	password, ok := c.Auth[username]
	return password, ok
}

// Authenticate checks CONNECT credentials against the Auth table. It has the
// shape of Server.Authenticate.
func (c *config) Authenticate(_ context.Context, _ string, username string, password []byte) packet.ReasonCode {
	want, ok := c.GetAuth(username)
	if !ok || subtle.ConstantTimeCompare([]byte(want), password) != 1 {
		return packet.Err3BadUsernameOrPassword
	}
	return packet.CodeAccepted
}

var CONFIG = &config{
	Auth: map[string]string{
		"":     "",
		"root": "admin",
	},
}

// LoadConfig reads a YAML (or JSON) config file into CONFIG.
func LoadConfig(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, CONFIG); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

const (
	DefaultKeepAlive     = 60 // seconds
	DefaultRetries       = 3
	DefaultMaxPacketSize = 16 * packet.MB

	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 5 * time.Second
)

type Options struct {
	URL           string // client used
	ClientID      string
	Version       byte
	Subscriptions []packet.Subscription

	Username string
	Password []byte
	Will     *packet.Will
	// KeepAlive in seconds. 0 disables keepalive.
	KeepAlive uint16
	// Clean requests a fresh session on the first connect. Reconnects always resume.
	Clean         bool
	AutoReconnect bool
	// Retries bounds the reconnect attempts after a failure.
	Retries           int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// MaxPacketSize bounds the remaining length of inbound packets.
	MaxPacketSize uint32

	// PublishRate limits inbound PUBLISH per connection on the broker. 0 disables.
	PublishRate  rate.Limit
	PublishBurst int
}

type Option func(*Options)

func newOptions(opts ...Option) Options {
	options := Options{
		URL:               "mqtt://127.0.0.1:1883",
		ClientID:          "opifex-" + requests.GenId(),
		Version:           packet.VERSION311,
		KeepAlive:         DefaultKeepAlive,
		Clean:             true,
		AutoReconnect:     true,
		Retries:           DefaultRetries,
		ReconnectDelay:    defaultReconnectDelay,
		MaxReconnectDelay: defaultMaxReconnectDelay,
		MaxPacketSize:     DefaultMaxPacketSize,
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

func Subscription(subscription ...packet.Subscription) Option {
	return func(o *Options) {
		o.Subscriptions = append(o.Subscriptions, subscription...)
	}
}

func Credentials(username string, password []byte) Option {
	return func(o *Options) {
		o.Username, o.Password = username, password
	}
}

func Will(will *packet.Will) Option {
	return func(o *Options) {
		o.Will = will
	}
}

func KeepAlive(seconds uint16) Option {
	return func(o *Options) {
		o.KeepAlive = seconds
	}
}

func Clean(clean bool) Option {
	return func(o *Options) {
		o.Clean = clean
	}
}

func AutoReconnect(enable bool) Option {
	return func(o *Options) {
		o.AutoReconnect = enable
	}
}

func Retries(n int) Option {
	return func(o *Options) {
		o.Retries = n
	}
}

// ReconnectDelay sets the backoff base and cap.
func ReconnectDelay(base, max time.Duration) Option {
	return func(o *Options) {
		o.ReconnectDelay, o.MaxReconnectDelay = base, max
	}
}

func MaxPacketSize(n uint32) Option {
	return func(o *Options) {
		o.MaxPacketSize = n
	}
}

// PublishRate limits inbound PUBLISH packets per connection (broker side).
func PublishRate(limit rate.Limit, burst int) Option {
	return func(o *Options) {
		o.PublishRate, o.PublishBurst = limit, burst
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
