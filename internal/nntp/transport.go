package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DialConfig describes how to reach one server.
type DialConfig struct {
	Host    string
	Port    int
	TLS     bool
	Timeout time.Duration
}

func (c DialConfig) addr() string { return net.JoinHostPort(c.Host, fmt.Sprint(c.Port)) }

// Conn is a network connection whose reads can be throttled by a limiter
// shared between connections.
type Conn struct {
	net.Conn
	ctx     context.Context
	limiter *rate.Limiter
	read    atomic.Uint64
}

// Dial opens a plain or TLS connection. limiter may be nil.
func Dial(ctx context.Context, cfg DialConfig, limiter *rate.Limiter) (*Conn, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if cfg.TLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				ServerName: cfg.Host,
				MinVersion: tls.VersionTLS12,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.addr(), err)
	}
	return NewConn(ctx, conn, limiter), nil
}

// NewConn wraps an established connection.
func NewConn(ctx context.Context, conn net.Conn, limiter *rate.Limiter) *Conn {
	return &Conn{Conn: conn, ctx: ctx, limiter: limiter}
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.limiter != nil && c.limiter.Limit() != rate.Inf {
		if burst := c.limiter.Burst(); burst > 0 && len(p) > burst {
			p = p[:burst]
		}
	}
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.read.Add(uint64(n))
		if c.limiter != nil && c.limiter.Limit() != rate.Inf {
			if werr := c.limiter.WaitN(c.ctx, n); werr != nil && err == nil {
				err = werr
			}
		}
	}
	return n, err
}

// BytesRead is the total number of bytes received on the connection.
func (c *Conn) BytesRead() uint64 { return c.read.Load() }

// NewLimiter returns a limiter for bytesPerSecond, or nil when throttling is off.
func NewLimiter(enabled bool, bytesPerSecond int) *rate.Limiter {
	if !enabled || bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
}
