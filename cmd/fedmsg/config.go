package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xfedmsg/adapter/kafka"
	"github.com/trickstertwo/xfedmsg/adapter/memory"
	"github.com/trickstertwo/xfedmsg/adapter/nats"
	"github.com/trickstertwo/xfedmsg/adapter/redisstream"
)

// Environment variables read by the CLI. Flags take precedence.
const (
	envCert      = "FEDMSG_CERT"
	envKey       = "FEDMSG_KEY"
	envTransport = "FEDMSG_TRANSPORT"
	envAddr      = "FEDMSG_ADDR"
	envCodec     = "FEDMSG_CODEC"
	envLogLevel  = "FEDMSG_LOG_LEVEL"
)

// Config is the resolved CLI configuration.
type Config struct {
	CertPath  string
	KeyPath   string
	Transport string
	Addr      string
	Codec     string
	LogLevel  string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Transport: memory.TransportName,
		Codec:     "json",
		LogLevel:  "info",
	}
}

// loadEnv reads an optional .env file, then overlays FEDMSG_* variables on
// Defaults. Variables already set in the process environment win over .env.
func loadEnv(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	c := Defaults()
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.CertPath, envCert)
	set(&c.KeyPath, envKey)
	set(&c.Transport, envTransport)
	set(&c.Addr, envAddr)
	set(&c.Codec, envCodec)
	set(&c.LogLevel, envLogLevel)
	return c, nil
}

// Validate checks the fields every command needs.
func (c Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Transport {
	case memory.TransportName, redisstream.TransportName, kafka.TransportName, nats.TransportName:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// transportConfig maps the single --addr setting onto the key each
// transport expects.
func (c Config) transportConfig() map[string]any {
	m := map[string]any{}
	if c.Addr == "" {
		return m
	}
	switch c.Transport {
	case redisstream.TransportName:
		m["addr"] = c.Addr
	case kafka.TransportName:
		m["brokers"] = c.Addr
	case nats.TransportName:
		m["url"] = c.Addr
	}
	return m
}

func parseLevel(s string) (xlog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return xlog.LevelDebug, nil
	case "", "info":
		return xlog.LevelInfo, nil
	case "warn", "warning":
		return xlog.LevelWarn, nil
	case "error":
		return xlog.LevelError, nil
	}
	return xlog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// newLogger installs the zerolog backend writing to stderr; stdout is kept
// for command output.
func newLogger(c Config) *xlog.Logger {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		lvl = xlog.LevelInfo
	}
	return zerolog.Use(zerolog.Config{
		MinLevel:          lvl,
		Console:           true,
		ConsoleTimeFormat: time.RFC3339,
		Writer:            os.Stderr,
	}).With(xlog.Str("app", "fedmsg"))
}
