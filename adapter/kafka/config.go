package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/trickstertwo/xfedmsg/internal/cfgmap"
)

// Config for the Kafka transport.
type Config struct {
	// Brokers is the bootstrap list, "host:port" each.
	Brokers []string

	// TopicPrefix is prepended to every fedmsg topic to form the Kafka topic.
	TopicPrefix string

	// Writer
	BatchTimeout time.Duration
	RequiredAcks int // -1 all, 0 none, 1 leader
	AutoCreate   bool
	WriteTimeout time.Duration
	MaxAttempts  int

	// DeadLetter is the Kafka topic receiving nacked messages. When empty a
	// Nack leaves the offset uncommitted.
	DeadLetter string

	// Reader
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	CommitInterval time.Duration
	StartFirst     bool
}

// Defaults returns a Config suited to a local single-broker cluster.
func Defaults() Config {
	return Config{
		Brokers:        []string{"127.0.0.1:9092"},
		BatchTimeout:   10 * time.Millisecond,
		RequiredAcks:   -1,
		AutoCreate:     true,
		WriteTimeout:   10 * time.Second,
		MaxAttempts:    5,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        500 * time.Millisecond,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("config: at least one broker required")
	}
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("config: empty broker address")
		}
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return fmt.Errorf("config: required_acks must be -1, 0 or 1, got %d", c.RequiredAcks)
	}
	if c.MinBytes < 1 || c.MaxBytes < c.MinBytes {
		return fmt.Errorf("config: need 1 <= min_bytes <= max_bytes, got %d/%d", c.MinBytes, c.MaxBytes)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("config: max_wait must be > 0, got %v", c.MaxWait)
	}
	return nil
}

func (c Config) topic(name string) string { return c.TopicPrefix + name }

func (c Config) toMap() map[string]any {
	return map[string]any{
		"brokers":         strings.Join(c.Brokers, ","),
		"topic_prefix":    c.TopicPrefix,
		"batch_timeout":   c.BatchTimeout,
		"required_acks":   c.RequiredAcks,
		"auto_create":     c.AutoCreate,
		"write_timeout":   c.WriteTimeout,
		"max_attempts":    c.MaxAttempts,
		"dead_letter":     c.DeadLetter,
		"min_bytes":       c.MinBytes,
		"max_bytes":       c.MaxBytes,
		"max_wait":        c.MaxWait,
		"commit_interval": c.CommitInterval,
		"start_first":     c.StartFirst,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
// "brokers" may be a []string or a comma separated string.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	cfgmap.Apply(m,
		cfgmap.List("brokers", &c.Brokers),
		cfgmap.String("topic_prefix", &c.TopicPrefix),
		cfgmap.PositiveDuration("batch_timeout", &c.BatchTimeout),
		cfgmap.Int("required_acks", &c.RequiredAcks),
		cfgmap.Bool("auto_create", &c.AutoCreate),
		cfgmap.PositiveDuration("write_timeout", &c.WriteTimeout),
		cfgmap.PositiveInt("max_attempts", &c.MaxAttempts),
		cfgmap.String("dead_letter", &c.DeadLetter),
		cfgmap.PositiveInt("min_bytes", &c.MinBytes),
		cfgmap.PositiveInt("max_bytes", &c.MaxBytes),
		cfgmap.PositiveDuration("max_wait", &c.MaxWait),
		cfgmap.Duration("commit_interval", &c.CommitInterval),
		cfgmap.Bool("start_first", &c.StartFirst),
	)
	return c
}
