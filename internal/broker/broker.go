// Package broker wires the tube registry, job store and matcher to a
// TCP listener: one long-lived goroutine per connection reading commands
// through internal/protocol, one writer goroutine per connection
// draining the session's outbound queue, and a supervising errgroup that
// ties both to the listener's lifetime.
package broker

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tubebroker/internal/clock"
	"tubebroker/internal/dispatcher"
	"tubebroker/internal/job"
	"tubebroker/internal/matcher"
	"tubebroker/internal/protocol"
	"tubebroker/internal/session"
	"tubebroker/internal/tube"
)

// Config bounds the behavior a Core needs beyond its collaborators.
type Config struct {
	MaxJobSize int
	// DefaultTubeIsError selects how `put` without a prior `use` is
	// handled: true replies with the no-tube-in-use error, false falls
	// back to a tube named "default". See internal/config.
	DefaultTubeIsError bool
}

// Core owns every piece of shared broker state. Its collaborators
// (tube.Registry, job.Store) are reached through internal/matcher, whose
// lock serializes all job and queue state; watcher sets are updated
// through tube.Registry's own lock.
type Core struct {
	cfg     Config
	clk     clock.Clock
	tubes   *tube.Registry
	jobs    *job.Store
	matcher *matcher.Matcher
	disp    *dispatcher.Dispatcher
	log     *logrus.Entry

	connCount uint64
	startedAt time.Time
}

// NewCore builds a Core driven by clk.
func NewCore(cfg Config, clk clock.Clock, log *logrus.Entry) *Core {
	if cfg.MaxJobSize <= 0 {
		cfg.MaxJobSize = 65536
	}
	tubes := tube.NewRegistry()
	jobs := job.NewStore()
	m := matcher.New(tubes, jobs, clk, cfg.DefaultTubeIsError)
	return &Core{
		cfg:       cfg,
		clk:       clk,
		tubes:     tubes,
		jobs:      jobs,
		matcher:   m,
		disp:      dispatcher.New(m),
		log:       log,
		startedAt: clk.Now(),
	}
}

// Uptime reports how long this Core has been running.
func (c *Core) Uptime() time.Duration { return c.clk.Now().Sub(c.startedAt) }

// Connections reports the number of connections accepted since start.
func (c *Core) Connections() uint64 { return atomic.LoadUint64(&c.connCount) }

// ServeConn runs the full lifecycle of one accepted connection: framing
// commands off it, dispatching each, and writing replies, until the
// connection closes or the context is canceled.
func (c *Core) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	atomic.AddUint64(&c.connCount, 1)

	// Close the connection when ctx is canceled, so a reader blocked on
	// it returns.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	id, err := uuid.NewV4()
	connID := "unknown"
	if err == nil {
		connID = id.String()
	}

	sess := session.New(connID, conn.RemoteAddr().String())
	log := c.log.WithFields(logrus.Fields{"conn": connID, "peer": sess.Peer})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(connCtx)
	group.Go(func() error {
		err := c.writeLoop(conn, sess)
		// Unblock a pending Read in the reader goroutine: a write
		// failure usually means the peer is gone.
		conn.Close()
		return err
	})
	group.Go(func() error {
		// sess.Out is only ever written to from this goroutine, so
		// closing it here is what lets writeLoop's range exit.
		defer sess.Close()
		defer cancel()
		c.readLoop(gctx, conn, sess, log)
		return nil
	})

	if err := group.Wait(); err != nil {
		log.WithError(err).Debug("connection ended")
	}

	c.matcher.Drop(sess)
	for _, t := range sess.WatchedTubes() {
		c.matcher.Tubes().RemoveWatcher(t, sess)
	}
}

func (c *Core) readLoop(ctx context.Context, conn net.Conn, sess *session.Session, log *logrus.Entry) {
	framer := protocol.NewFramer(conn, c.cfg.MaxJobSize)
	for {
		if ctx.Err() != nil {
			return
		}
		cmd, err := framer.ReadCommand()
		if err != nil {
			if pe, ok := err.(*protocol.ParseError); ok {
				sess.Send([]byte(pe.Reply))
				continue
			}
			log.WithError(err).Debug("read failed, closing")
			return
		}

		r := c.disp.Apply(ctx, sess, cmd)
		if len(r.Bytes) > 0 {
			sess.Send(r.Bytes)
		}
		if r.Close {
			return
		}
	}
}

func (c *Core) writeLoop(conn net.Conn, sess *session.Session) error {
	w := bufio.NewWriter(conn)
	for line := range sess.Out {
		if _, err := w.Write(line); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Server accepts connections and hands each to a Core.
type Server struct {
	core *Core
	log  *logrus.Entry
}

// NewServer returns a Server driven by core.
func NewServer(core *Core, log *logrus.Entry) *Server {
	return &Server{core: core, log: log}
}

// ListenAndServe listens on addr and serves connections until ctx is
// canceled, at which point the listener is closed and every live
// connection's context is canceled too.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	group.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			go s.core.ServeConn(gctx, conn)
		}
	})
	return group.Wait()
}
