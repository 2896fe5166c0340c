package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/datallboy/newsflow/internal/buffer"
	"github.com/datallboy/newsflow/internal/cmdlist"
	"github.com/datallboy/newsflow/internal/infra/logger"
	"github.com/datallboy/newsflow/internal/nntp"
)

const readChunk = 64 << 10

var errStalled = errors.New("session has queued commands it cannot send")

// Connection is one long-lived NNTP connection driving a Session. It is
// used by one goroutine at a time.
type Connection struct {
	id      uint64
	account int
	conn    *nntp.Conn
	session *nntp.Session
	in      *buffer.Buffer
	log     *logger.Logger
}

type sessionLogger struct{ log *logger.Logger }

func (l sessionLogger) Debug(format string, v ...any) { l.log.Debug(format, v...) }

func newConnection(id uint64, account *Account, conn *nntp.Conn, log *logger.Logger) *Connection {
	cfg := account.Config
	s := nntp.NewSession(conn, nntp.SessionOptions{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Pipelining:    cfg.Pipelining,
		Compression:   cfg.Compression,
		AuthOnConnect: cfg.AuthOnConnect,
	})
	log = log.Named(fmt.Sprintf("conn-%d", id))
	s.SetLogger(sessionLogger{log})
	return &Connection{
		id:      id,
		account: cfg.ID,
		conn:    conn,
		session: s,
		in:      buffer.New(readChunk),
		log:     log,
	}
}

// connect dials the account and runs the session to the ready state.
func connect(ctx context.Context, id uint64, account *Account, dc DialFunc, log *logger.Logger) (*Connection, error) {
	conn, err := dc(ctx, account)
	if err != nil {
		return nil, err
	}
	c := newConnection(id, account, conn, log)
	c.session.Start()
	if err := c.drive(); err != nil {
		c.conn.Close()
		return nil, err
	}
	c.log.Debug("connected to %s", account.Config.Host)
	return c, nil
}

// BytesRead is the number of bytes received so far.
func (c *Connection) BytesRead() uint64 { return c.conn.BytesRead() }

// drive exchanges requests and responses until the session has nothing
// queued and nothing in flight.
func (c *Connection) drive() error {
	for {
		if _, err := c.session.SendNext(); err != nil {
			return err
		}
		if c.session.InFlight() == 0 {
			if c.session.PendingCommands() > 0 {
				return errStalled
			}
			return nil
		}
		progressed := false
		for c.session.InFlight() > 0 {
			done, err := c.session.RecvNext(c.in)
			if err != nil {
				return err
			}
			if !done {
				break
			}
			progressed = true
		}
		if !progressed {
			if err := c.readMore(); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) readMore() error {
	c.in.Grow(readChunk)
	n, err := c.conn.Read(c.in.Back())
	c.in.Commit(n)
	if n > 0 {
		return nil
	}
	if errors.Is(err, io.EOF) || err == nil {
		return nntp.ErrConnectionClosed
	}
	return err
}

// Execute runs cl: the group is selected first, then the data commands are
// sent. A nil error means the list ran; its buffers tell what came back. A
// list whose groups all failed runs no data commands and is not Good.
func (c *Connection) Execute(cl *cmdlist.CmdList) error {
	cl.SetConnID(c.id)
	if cl.NeedsConfigure() {
		out := buffer.New(0)
		for i := 0; cl.SubmitConfigure(i, c.session, out); i++ {
			if err := c.drive(); err != nil {
				return err
			}
			if cl.ReceiveConfigure(i, out) || !cl.Good() {
				break
			}
		}
	}
	if !cl.Good() || cl.Cancelled() {
		return nil
	}
	cl.SubmitTransfer(c.session)
	return c.drive()
}

// Close says goodbye and closes the socket.
func (c *Connection) Close() error {
	if c.session.State() != nntp.StateError {
		c.session.Quit()
		if _, err := c.session.SendNext(); err == nil {
			// the answer to QUIT does not matter
			c.in.Clear()
		}
	}
	return c.conn.Close()
}
