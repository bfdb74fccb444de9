package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xfedmsg"
)

type rootOptions struct {
	cfg     Config
	envFile string
	logger  *xlog.Logger
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fedmsg",
		Short:         "Sign, verify and publish fedmsg messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.resolve(cmd)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&o.envFile, "env-file", ".env", "dotenv file to load if present")
	f.String("cert", "", "certificate file (env "+envCert+")")
	f.String("key", "", "private key file (env "+envKey+")")
	f.String("log-level", "", "debug, info, warn or error (env "+envLogLevel+")")

	cmd.AddCommand(
		newSignCmd(o),
		newVerifyCmd(o),
		newPublishCmd(o),
	)
	return cmd
}

// resolve builds the effective configuration: defaults, then .env and
// environment, then flags that were explicitly set.
func (o *rootOptions) resolve(cmd *cobra.Command) error {
	var files []string
	if o.envFile != "" {
		files = append(files, o.envFile)
	}
	cfg, err := loadEnv(files...)
	if err != nil {
		return err
	}

	flags := map[string]*string{
		"cert":      &cfg.CertPath,
		"key":       &cfg.KeyPath,
		"log-level": &cfg.LogLevel,
		"transport": &cfg.Transport,
		"addr":      &cfg.Addr,
		"codec":     &cfg.Codec,
	}
	for name, dst := range flags {
		fl := cmd.Flags().Lookup(name)
		if fl != nil && fl.Changed {
			*dst = fl.Value.String()
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = newLogger(cfg)
	return nil
}

func (o *rootOptions) credentials() (xfedmsg.Credentials, error) {
	creds := xfedmsg.Credentials{CertPath: o.cfg.CertPath, KeyPath: o.cfg.KeyPath}
	if err := creds.Validate(); err != nil {
		return creds, fmt.Errorf("%w (use --cert/--key or %s/%s)", err, envCert, envKey)
	}
	return creds, nil
}

type messageFlags struct {
	topic       string
	sequence    int64
	payload     string
	payloadFile string
}

func (m *messageFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&m.topic, "topic", "", "message topic")
	f.Int64Var(&m.sequence, "seq", 0, "message sequence number")
	f.StringVar(&m.payload, "payload", "{}", "JSON object payload")
	f.StringVar(&m.payloadFile, "payload-file", "", "read the JSON object payload from a file")
	_ = cmd.MarkFlagRequired("topic")
}

func (m *messageFlags) message() (*xfedmsg.Message, error) {
	raw := []byte(m.payload)
	if m.payloadFile != "" {
		b, err := os.ReadFile(m.payloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = b
	}

	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	return xfedmsg.NewMessage(m.topic, payload, m.sequence)
}

// decodePayload parses a JSON object keeping numbers as written.
func decodePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if dec.More() {
		return nil, errors.New("payload must be a single JSON object")
	}
	return payload, nil
}

func newSignCmd(o *rootOptions) *cobra.Command {
	var mf messageFlags

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a message and print the signed JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := o.credentials()
			if err != nil {
				return err
			}
			msg, err := mf.message()
			if err != nil {
				return err
			}
			signer, err := xfedmsg.NewSigner(creds, xfedmsg.WithSignerLogger(o.logger))
			if err != nil {
				return err
			}
			sm, err := signer.Op(msg).Run()
			if err != nil {
				return err
			}
			out, err := sm.MarshalJSON()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	mf.register(cmd)
	return cmd
}

func newVerifyCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [FILE|-]",
		Short: "Verify a signed message against its embedded certificate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read signed message: %w", err)
			}

			sm, err := xfedmsg.ParseSignedMessage(bytes.TrimSpace(data))
			if err != nil {
				return err
			}
			if err := sm.Verify(); err != nil {
				o.logger.With(xlog.Str("msg_id", sm.ID())).Warn().Err(err).Msg("verification failed")
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "OK %s %s\n", sm.Topic(), sm.ID())
			return err
		},
	}
}

func newPublishCmd(o *rootOptions) *cobra.Command {
	var (
		mf      messageFlags
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Sign a message and publish it through a transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := o.credentials()
			if err != nil {
				return err
			}
			msg, err := mf.message()
			if err != nil {
				return err
			}

			bus, err := xfedmsg.NewBusBuilder().
				WithTransport(o.cfg.Transport, o.cfg.transportConfig()).
				WithCodec(o.cfg.Codec).
				WithCredentials(creds).
				WithLogger(o.logger).
				Build()
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close(context.Background()) }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := bus.Publish(ctx, msg); err != nil {
				return err
			}

			o.logger.With(
				xlog.Str("transport", o.cfg.Transport),
				xlog.Str("topic", msg.Topic()),
				xlog.Str("msg_id", msg.ID()),
			).Info().Msg("published")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), msg.ID())
			return err
		},
	}
	mf.register(cmd)
	f := cmd.Flags()
	f.String("transport", "", "memory, redis-streams, kafka or nats (env "+envTransport+")")
	f.String("addr", "", "transport address (env "+envAddr+")")
	f.String("codec", "", "envelope codec: json or jcs (env "+envCodec+")")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "publish timeout")
	return cmd
}
