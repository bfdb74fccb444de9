package nats

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xfedmsg/internal/cfgmap"
)

// Config for the NATS transport.
type Config struct {
	URL           string
	Name          string
	Username      string
	Password      string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	DrainTimeout  time.Duration

	// SubjectPrefix is prepended to every topic to form the NATS subject.
	SubjectPrefix string

	// DeadLetter is the subject receiving nacked messages. Core NATS has no
	// redelivery, so without it a Nack only counts.
	DeadLetter string
}

// Defaults returns a Config for a local nats-server.
func Defaults() Config {
	return Config{
		URL:           "nats://127.0.0.1:4222",
		Name:          "xfedmsg",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be > 0, got %v", c.Timeout)
	}
	if c.Token != "" && c.Username != "" {
		return fmt.Errorf("config: token and username are mutually exclusive")
	}
	return nil
}

func (c Config) subject(topic string) string { return c.SubjectPrefix + topic }

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":            c.URL,
		"name":           c.Name,
		"username":       c.Username,
		"password":       c.Password,
		"token":          c.Token,
		"max_reconnects": c.MaxReconnects,
		"reconnect_wait": c.ReconnectWait,
		"timeout":        c.Timeout,
		"drain_timeout":  c.DrainTimeout,
		"subject_prefix": c.SubjectPrefix,
		"dead_letter":    c.DeadLetter,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	cfgmap.Apply(m,
		cfgmap.NonEmpty("url", &c.URL),
		cfgmap.NonEmpty("name", &c.Name),
		cfgmap.String("username", &c.Username),
		cfgmap.String("password", &c.Password),
		cfgmap.String("token", &c.Token),
		cfgmap.Int("max_reconnects", &c.MaxReconnects),
		cfgmap.PositiveDuration("reconnect_wait", &c.ReconnectWait),
		cfgmap.PositiveDuration("timeout", &c.Timeout),
		cfgmap.PositiveDuration("drain_timeout", &c.DrainTimeout),
		cfgmap.String("subject_prefix", &c.SubjectPrefix),
		cfgmap.String("dead_letter", &c.DeadLetter),
	)
	return c
}
