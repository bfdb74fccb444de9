package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/trickstertwo/xfedmsg/internal/cfgmap"
)

// Config for the Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// StreamPrefix is prepended to every topic to form the stream key.
	StreamPrefix string

	// Consumer group
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xfedmsg"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Group:         "xfedmsg",
		Consumer:      fmt.Sprintf("xfedmsg-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// stream returns the Redis stream key for a topic.
func (c Config) stream(topic string) string { return c.StreamPrefix + topic }

func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"stream_prefix":      c.StreamPrefix,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
// Durations may be given as time.Duration or as a parseable string.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	cfgmap.Apply(m,
		cfgmap.NonEmpty("addr", &c.Addr),
		cfgmap.String("username", &c.Username),
		cfgmap.String("password", &c.Password),
		cfgmap.Int("db", &c.DB),
		cfgmap.Bool("tls", &c.TLS),
		cfgmap.String("tls_server_name", &c.TLSServerName),
		cfgmap.String("stream_prefix", &c.StreamPrefix),
		cfgmap.NonEmpty("group", &c.Group),
		cfgmap.NonEmpty("consumer", &c.Consumer),
		cfgmap.PositiveInt("concurrency", &c.Concurrency),
		cfgmap.PositiveInt("batch_size", &c.BatchSize),
		cfgmap.PositiveDuration("block", &c.Block),
		cfgmap.Bool("auto_create", &c.AutoCreate),
		cfgmap.Bool("auto_delete_on_ack", &c.AutoDeleteOnAck),
		cfgmap.String("dead_letter", &c.DeadLetter),
		cfgmap.PositiveInt64("max_len_approx", &c.MaxLenApprox),
		cfgmap.Duration("claim_min_idle", &c.ClaimMinIdle),
		cfgmap.PositiveInt("claim_batch", &c.ClaimBatch),
		cfgmap.PositiveDuration("claim_interval", &c.ClaimInterval),
	)
	return c
}
