package main

import (
	"context"
	"fmt"

	"github.com/datallboy/newsflow/internal/engine"
	"github.com/datallboy/newsflow/internal/infra/config"
	"github.com/datallboy/newsflow/internal/infra/logger"
	"github.com/datallboy/newsflow/internal/nntp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxRedials bounds how often one worker reconnects after transport errors.
const maxRedials = 3

// server returns the account chosen with --server, or the first one.
func (c *cli) server(id int) (config.ServerConfig, error) {
	if id == 0 {
		return c.app.Config.Servers[0], nil
	}
	sc, ok := c.app.Config.Server(id)
	if !ok {
		return config.ServerConfig{}, fmt.Errorf("server %d is not configured", id)
	}
	return sc, nil
}

func (c *cli) limiter() *rate.Limiter {
	d := c.app.Config.Download
	return nntp.NewLimiter(d.EnableThrottle, d.Throttle)
}

type protocolLogger struct{ log *logger.Logger }

func (l protocolLogger) Debug(format string, v ...any) { l.log.Debug(format, v...) }

// client is a blocking NNTP connection for the one-shot commands.
type client struct {
	*nntp.Protocol
	conn *nntp.Conn
}

func dialClient(ctx context.Context, sc config.ServerConfig, preferSecure bool, limiter *rate.Limiter, log *logger.Logger) (*client, error) {
	conn, err := nntp.Dial(ctx, engine.ServerDialConfig(sc, preferSecure), limiter)
	if err != nil {
		return nil, err
	}
	p := nntp.NewProtocol(conn, sc.Username, sc.Password)
	p.SetLogger(protocolLogger{log})
	if err := p.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", sc.Name, err)
	}
	if sc.AuthOnConnect && sc.Username != "" {
		if err := p.Authenticate(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authenticate %s: %w", sc.Name, err)
		}
	}
	return &client{Protocol: p, conn: conn}, nil
}

func (c *client) Close() error {
	c.Quit()
	return c.conn.Close()
}

// runList drives run over n connections to sc until it reports that there
// is nothing left. A worker whose connection fails reconnects up to
// maxRedials times before giving up.
func (c *cli) runList(ctx context.Context, sc config.ServerConfig, n int, run func(*client) (bool, error)) error {
	limiter := c.limiter()
	g, ctx := errgroup.WithContext(ctx)
	for i := range n {
		log := c.app.Logger.Named(fmt.Sprintf("worker-%d", i+1))
		g.Go(func() error {
			redials := 0
			for {
				cl, err := dialClient(ctx, sc, c.app.Config.Download.PreferSecure, limiter, log)
				if err != nil {
					return err
				}
				stop := context.AfterFunc(ctx, func() { cl.conn.Close() })
				for {
					more, err := run(cl)
					if err != nil {
						if ctx.Err() != nil {
							stop()
							return ctx.Err()
						}
						log.Warn("connection lost: %v", err)
						break
					}
					if !more {
						stop()
						return cl.Close()
					}
				}
				stop()
				cl.conn.Close()
				if redials++; redials > maxRedials {
					return fmt.Errorf("%s: too many connection failures", sc.Name)
				}
			}
		})
	}
	return g.Wait()
}

func addServerFlag(cmd *cobra.Command, id *int) {
	cmd.Flags().IntVar(id, "server", 0, "id of the server to use (default: the first configured)")
}
