package engine

import (
	"context"
	"sync"

	"github.com/datallboy/newsflow/internal/cmdlist"
	"github.com/datallboy/newsflow/internal/infra/config"
	"github.com/datallboy/newsflow/internal/nntp"
	"golang.org/x/time/rate"
)

// DialFunc opens a transport connection to an account's server.
type DialFunc func(ctx context.Context, a *Account) (*nntp.Conn, error)

// Dialer returns the DialFunc that connects over TCP, or TLS when the
// account is secure. With preferSecure the secure port is used if the
// server has one.
func Dialer(preferSecure bool, limiter *rate.Limiter) DialFunc {
	return func(ctx context.Context, a *Account) (*nntp.Conn, error) {
		return nntp.Dial(ctx, a.DialConfig(preferSecure), limiter)
	}
}

// Account is a server with its own queue of cmdlists and a fixed number of
// connection slots.
type Account struct {
	Config config.ServerConfig

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*cmdlist.CmdList
	closed bool

	slots chan *slot
}

// slot is one connection's place in the account. conn is nil until the
// slot is first used and after a connection failure.
type slot struct {
	id       uint64
	conn     *Connection
	failures int
}

func newAccount(cfg config.ServerConfig, firstSlotID uint64) *Account {
	a := &Account{Config: cfg, slots: make(chan *slot, cfg.MaxConnection)}
	a.cond = sync.NewCond(&a.mu)
	for i := range cfg.MaxConnection {
		a.slots <- &slot{id: firstSlotID + uint64(i)}
	}
	return a
}

// DialConfig describes how to reach the server.
func (a *Account) DialConfig(preferSecure bool) nntp.DialConfig {
	return ServerDialConfig(a.Config, preferSecure)
}

// ServerDialConfig describes how to reach sc. With preferSecure the secure
// port is used if the server has one.
func ServerDialConfig(sc config.ServerConfig, preferSecure bool) nntp.DialConfig {
	dc := nntp.DialConfig{Host: sc.Host, Port: sc.Port, TLS: sc.TLS}
	if preferSecure && sc.SecurePort != 0 {
		dc.Port = sc.SecurePort
		dc.TLS = true
	}
	return dc
}

// Capacity is the number of connections the account may open.
func (a *Account) Capacity() int { return cap(a.slots) }

func (a *Account) enqueue(cl *cmdlist.CmdList) {
	a.mu.Lock()
	a.queue = append(a.queue, cl)
	a.cond.Signal()
	a.mu.Unlock()
}

// Queued is the number of cmdlists waiting for a connection.
func (a *Account) Queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// next blocks until a cmdlist is queued or the account is closed.
func (a *Account) next() (*cmdlist.CmdList, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.queue) == 0 && !a.closed {
		a.cond.Wait()
	}
	if a.closed {
		return nil, false
	}
	cl := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	return cl, true
}

func (a *Account) close() {
	a.mu.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()
}

// acquire waits for a free connection slot.
func (a *Account) acquire(ctx context.Context) (*slot, bool) {
	select {
	case s := <-a.slots:
		return s, true
	case <-ctx.Done():
		return nil, false
	}
}

func (a *Account) release(s *slot) { a.slots <- s }

// closeSlots closes every idle connection. Slots in use are closed by their
// users.
func (a *Account) closeSlots() {
	for {
		select {
		case s := <-a.slots:
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
		default:
			return
		}
	}
}
