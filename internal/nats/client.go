// Package nats provides the NATS-backed realtime broker.
package nats

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/realtime"
	"github.com/vetlink/chat-sync/pkg/logger"
)

// ErrReconnected is reported to subscriptions after the connection came back.
// Core subscriptions miss everything published while disconnected.
var ErrReconnected = errors.New("nats: reconnected, events may have been missed")

// Config holds NATS connection configuration.
type Config struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// Client wraps NATS connection and JetStream context.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger

	// status handlers of live subscriptions, keyed by subscription
	mu   sync.Mutex
	subs map[*nats.Subscription]realtime.StatusHandler
}

// Connect establishes a connection to NATS server.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	c := &Client{
		logger: log,
		subs:   make(map[*nats.Subscription]realtime.StatusHandler),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			c.resetSubscriptions(ErrReconnected)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
			c.failSubscription(sub, err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
			c.closeSubscriptions()
		}),
	}

	// Add TLS configuration if certificates are provided
	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	// Add token authentication if provided
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.conn = nc
	c.js = js
	return c, nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Conn returns the underlying NATS connection.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close closes the NATS connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) track(sub *nats.Subscription, onStatus realtime.StatusHandler) {
	c.mu.Lock()
	c.subs[sub] = onStatus
	c.mu.Unlock()
}

func (c *Client) untrack(sub *nats.Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// failSubscription reports an async error (slow consumer, permission) to the
// subscription's owner. The subscription is unsubscribed so the owner can resubscribe.
func (c *Client) failSubscription(sub *nats.Subscription, err error) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	onStatus, ok := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()
	if !ok {
		return
	}

	_ = sub.Unsubscribe()
	if onStatus != nil {
		onStatus(realtime.StatusChannelError, err)
	}
}

// resetSubscriptions drops every tracked subscription and reports
// CHANNEL_ERROR so the owners resubscribe and reload what they missed.
func (c *Client) resetSubscriptions(err error) {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[*nats.Subscription]realtime.StatusHandler)
	c.mu.Unlock()

	if len(subs) > 0 {
		c.logger.Warn("Resetting subscriptions", zap.Int("count", len(subs)), zap.Error(err))
	}
	for sub, onStatus := range subs {
		_ = sub.Unsubscribe()
		if onStatus != nil {
			onStatus(realtime.StatusChannelError, err)
		}
	}
}

func (c *Client) closeSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[*nats.Subscription]realtime.StatusHandler)
	c.mu.Unlock()

	for _, onStatus := range subs {
		if onStatus != nil {
			onStatus(realtime.StatusClosed, nats.ErrConnectionClosed)
		}
	}
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
