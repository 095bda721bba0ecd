// Package rabbitmq is the reference sagaapi.CommandDispatcher: it
// publishes each dispatched command as a JSON message on a topic
// exchange, tagged with the causation and correlation identifiers that
// let a downstream consumer trace a command back to the event that
// produced it.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"procman/internal/domain"

	"github.com/rabbitmq/amqp091-go"
)

// Config configures the reference CommandDispatcher.
type Config struct {
	Enabled        bool
	URL            string
	Endpoints      []string
	Exchange       string
	ExchangeType   string // default "topic"
	RoutingKey     string // default routing key, used when RoutingKeyFor is nil
	PublishTimeout time.Duration
	TLS            TLSConfig
	Auth           AuthConfig

	// RoutingKeyFor, if set, computes a per-command routing key
	// (e.g. from the command's concrete type). Falls back to
	// RoutingKey when nil or when it returns "".
	RoutingKeyFor func(command any) string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func (c *Config) withDefaults() {
	if c.ExchangeType == "" {
		c.ExchangeType = "topic"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "command"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// Dispatcher is a sagaapi.CommandDispatcher backed by a RabbitMQ topic
// exchange.
type Dispatcher struct {
	cfg  Config
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// Connect dials RabbitMQ, opens a channel, and declares the configured
// exchange.
func Connect(cfg Config) (*Dispatcher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialCfg := amqp091.Config{}
	if cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}}
	}
	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}

	conn, err := amqp091.DialConfig(cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Dispatcher{cfg: cfg, conn: conn, ch: ch}, nil
}

// Close releases the channel and connection.
func (d *Dispatcher) Close() error {
	return errors.Join(d.ch.Close(), d.conn.Close())
}

// Dispatch implements sagaapi.CommandDispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, command any, opts domain.CommandOptions) error {
	body, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	routingKey := d.cfg.RoutingKey
	if d.cfg.RoutingKeyFor != nil {
		if k := d.cfg.RoutingKeyFor(command); k != "" {
			routingKey = k
		}
	}

	publishCtx := ctx
	if d.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		publishCtx, cancel = context.WithTimeout(ctx, d.cfg.PublishTimeout)
		defer cancel()
	}

	return d.ch.PublishWithContext(publishCtx, d.cfg.Exchange, routingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Type:        commandTypeName(command),
		Body:        body,
		MessageId:   opts.CausationID,
		Headers: amqp091.Table{
			"causation_id":   opts.CausationID,
			"correlation_id": opts.CorrelationID,
		},
	})
}

func commandTypeName(command any) string {
	t := reflect.TypeOf(command)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
