// Package dispatcher turns a parsed protocol.Command plus the issuing
// session into a wire reply, by driving internal/matcher. It is the
// broker's single switch over command names.
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	beanstalk "tubebroker/internal/beanstalkname"
	"tubebroker/internal/matcher"
	"tubebroker/internal/protocol"
	"tubebroker/internal/session"
)

// Reply is a dispatcher result: the bytes to write back to the
// connection, and whether the connection should be closed after writing
// them (set only by `quit`).
type Reply struct {
	Bytes []byte
	Close bool
}

func reply(s string) Reply { return Reply{Bytes: []byte(s)} }

// Dispatcher applies commands against a Matcher.
type Dispatcher struct {
	m *matcher.Matcher
}

// New returns a Dispatcher over m.
func New(m *matcher.Matcher) *Dispatcher {
	return &Dispatcher{m: m}
}

// Apply executes one command for sess and returns its reply. ctx governs
// only blocking reserve calls, so a connection teardown can unblock a
// session parked in reserve without a timeout.
func (d *Dispatcher) Apply(ctx context.Context, sess *session.Session, cmd *protocol.Command) Reply {
	switch cmd.Name {
	case "":
		return reply("")
	case "use":
		return d.use(sess, cmd.Args)
	case "watch":
		return d.watch(sess, cmd.Args)
	case "ignore":
		return d.ignore(sess, cmd.Args)
	case "put":
		return d.put(sess, cmd.Args, cmd.Body)
	case "reserve":
		return d.reserve(ctx, sess, nil)
	case "reserve-with-timeout":
		return d.reserveWithTimeout(ctx, sess, cmd.Args)
	case "delete":
		return d.delete(sess, cmd.Args)
	case "release":
		return d.release(sess, cmd.Args)
	case "touch":
		return d.touch(sess, cmd.Args)
	case "stats":
		return d.stats()
	case "stats-tube":
		return d.statsTube(cmd.Args)
	case "stats-job":
		return d.statsJob(cmd.Args)
	case "list-tubes":
		return d.listTubes()
	case "list-tubes-watched":
		return d.listTubesWatched(sess)
	case "list-tubes-used":
		return reply(yamlList([]string{sess.UsingTube}))
	case "quit":
		return Reply{Close: true}
	default:
		// bury, kick, kick-job, peek*, pause-tube, reserve-job and
		// any other command name not given behaviour here.
		return reply("UNKNOWN_COMMAND\r\n")
	}
}

func (d *Dispatcher) use(sess *session.Session, args []string) Reply {
	if len(args) != 1 {
		return reply("BAD_FORMAT\r\n")
	}
	name := args[0]
	if err := beanstalk.Check(name); err != nil {
		return reply("BAD_FORMAT\r\n")
	}
	sess.UsingTube = name
	return reply(fmt.Sprintf("USING %s\r\n", name))
}

func (d *Dispatcher) watch(sess *session.Session, args []string) Reply {
	if len(args) != 1 {
		return reply("BAD_FORMAT\r\n")
	}
	name := args[0]
	if err := beanstalk.Check(name); err != nil {
		return reply("BAD_FORMAT\r\n")
	}
	n := sess.Watch(name)
	d.m.Tubes().AddWatcher(name, sess)
	return reply(fmt.Sprintf("WATCHING %d\r\n", n))
}

func (d *Dispatcher) ignore(sess *session.Session, args []string) Reply {
	if len(args) != 1 {
		return reply("BAD_FORMAT\r\n")
	}
	name := args[0]
	n, ok := sess.Ignore(name)
	if !ok {
		return reply("NOT_IGNORED\r\n")
	}
	d.m.Tubes().RemoveWatcher(name, sess)
	return reply(fmt.Sprintf("WATCHING %d\r\n", n))
}

func (d *Dispatcher) put(sess *session.Session, args []string, body []byte) Reply {
	if len(args) != 3 {
		return reply("BAD_FORMAT\r\n")
	}
	pri, err1 := strconv.ParseUint(args[0], 10, 32)
	delay, err2 := strconv.ParseUint(args[1], 10, 64)
	ttr, err3 := strconv.ParseUint(args[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return reply("BAD_FORMAT\r\n")
	}

	id, err := d.m.Put(sess, uint32(pri), time.Duration(delay)*time.Second, time.Duration(ttr)*time.Second, body)
	if err != nil {
		if errors.Is(err, matcher.ErrNoTubeInUse) {
			return reply("Error: 'put' without using a tube.\r\n")
		}
		return reply("INTERNAL_ERROR\r\n")
	}
	return reply(fmt.Sprintf("INSERTED %d\r\n", id))
}

func (d *Dispatcher) reserve(ctx context.Context, sess *session.Session, timeout *time.Duration) Reply {
	if len(sess.Watching) == 0 {
		return reply("Error: 'reserve' without watching a tube.\r\n")
	}
	j, timedOut := d.m.Reserve(ctx, sess, timeout)
	if timedOut {
		return reply("TIMED_OUT\r\n")
	}
	if j == nil {
		// ctx canceled: connection is tearing down, nothing to write.
		return Reply{Close: true}
	}
	head := fmt.Sprintf("RESERVED %d %d\r\n", j.ID, len(j.Body))
	out := make([]byte, 0, len(head)+len(j.Body)+2)
	out = append(out, head...)
	out = append(out, j.Body...)
	out = append(out, '\r', '\n')
	return Reply{Bytes: out}
}

func (d *Dispatcher) reserveWithTimeout(ctx context.Context, sess *session.Session, args []string) Reply {
	if len(args) != 1 {
		return reply("BAD_FORMAT\r\n")
	}
	secs, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return reply("BAD_FORMAT\r\n")
	}
	d2 := time.Duration(secs) * time.Second
	return d.reserve(ctx, sess, &d2)
}

func (d *Dispatcher) delete(sess *session.Session, args []string) Reply {
	if len(args) != 1 {
		return reply("BAD_FORMAT\r\n")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return reply("BAD_FORMAT\r\n")
	}
	if err := d.m.Delete(sess, id); err != nil {
		return reply("NOT_FOUND\r\n")
	}
	return reply("DELETED\r\n")
}

func (d *Dispatcher) release(sess *session.Session, args []string) Reply {
	if len(args) != 3 {
		return reply("BAD_FORMAT\r\n")
	}
	id, err1 := strconv.ParseUint(args[0], 10, 64)
	pri, err2 := strconv.ParseUint(args[1], 10, 32)
	delay, err3 := strconv.ParseUint(args[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return reply("BAD_FORMAT\r\n")
	}
	if err := d.m.Release(sess, id, uint32(pri), time.Duration(delay)*time.Second); err != nil {
		return reply("NOT_FOUND\r\n")
	}
	return reply("RELEASED\r\n")
}

func (d *Dispatcher) touch(sess *session.Session, args []string) Reply {
	if len(args) != 1 {
		return reply("BAD_FORMAT\r\n")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return reply("BAD_FORMAT\r\n")
	}
	if err := d.m.Touch(sess, id); err != nil {
		return reply("NOT_FOUND\r\n")
	}
	return reply("TOUCHED\r\n")
}

// stats renders a process-wide YAML block, the shape
// compmaniak-go-beanstalk/conn.go's Stats() parses on the client side.
func (d *Dispatcher) stats() Reply {
	var b strings.Builder
	d.m.WithLock(func() {
		tubeNames := d.m.Tubes().Names()
		var ready, delayed, reserved int
		for _, name := range tubeNames {
			t, ok := d.m.Tubes().Get(name)
			if !ok {
				continue
			}
			ready += t.ReadyLen()
			delayed += t.DelayedLen()
		}
		reserved = d.m.Jobs().Len() - ready - delayed
		if reserved < 0 {
			reserved = 0
		}
		fmt.Fprintf(&b, "current-jobs-urgent: 0\n")
		fmt.Fprintf(&b, "current-jobs-ready: %d\n", ready)
		fmt.Fprintf(&b, "current-jobs-reserved: %d\n", reserved)
		fmt.Fprintf(&b, "current-jobs-delayed: %d\n", delayed)
		fmt.Fprintf(&b, "current-jobs-buried: 0\n")
		fmt.Fprintf(&b, "current-tubes: %d\n", len(tubeNames))
		fmt.Fprintf(&b, "total-jobs: %d\n", d.m.Jobs().TotalAllocated())
	})
	body := b.String()
	return reply(fmt.Sprintf("OK %d\r\n%s\r\n", len(body), body))
}

func (d *Dispatcher) statsTube(args []string) Reply {
	if len(args) != 1 {
		return reply("BAD_FORMAT\r\n")
	}
	name := args[0]
	var body string
	found := false
	d.m.WithLock(func() {
		t, ok := d.m.Tubes().Get(name)
		if !ok {
			return
		}
		found = true
		var b strings.Builder
		fmt.Fprintf(&b, "name: %s\n", name)
		fmt.Fprintf(&b, "current-jobs-ready: %d\n", t.ReadyLen())
		fmt.Fprintf(&b, "current-jobs-delayed: %d\n", t.DelayedLen())
		fmt.Fprintf(&b, "current-jobs-reserved: %d\n", d.m.Jobs().ReservedCountForTube(name))
		fmt.Fprintf(&b, "current-watching: %d\n", t.WatcherCount())
		body = b.String()
	})
	if !found {
		return reply("NOT_FOUND\r\n")
	}
	return reply(fmt.Sprintf("OK %d\r\n%s\r\n", len(body), body))
}

func (d *Dispatcher) statsJob(args []string) Reply {
	if len(args) != 1 {
		return reply("BAD_FORMAT\r\n")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return reply("BAD_FORMAT\r\n")
	}
	var body string
	found := false
	d.m.WithLock(func() {
		j, ok := d.m.Jobs().Lookup(id)
		if !ok {
			return
		}
		found = true
		var b strings.Builder
		fmt.Fprintf(&b, "id: %d\n", j.ID)
		fmt.Fprintf(&b, "tube: %s\n", j.Tube)
		fmt.Fprintf(&b, "state: %s\n", j.State)
		fmt.Fprintf(&b, "pri: %d\n", j.Priority)
		fmt.Fprintf(&b, "ttr: %d\n", int64(j.TTR/time.Second))
		body = b.String()
	})
	if !found {
		return reply("NOT_FOUND\r\n")
	}
	return reply(fmt.Sprintf("OK %d\r\n%s\r\n", len(body), body))
}

func (d *Dispatcher) listTubes() Reply {
	return reply(yamlList(d.m.Tubes().Names()))
}

func (d *Dispatcher) listTubesWatched(sess *session.Session) Reply {
	return reply(yamlList(sess.WatchedTubes()))
}

// yamlList renders names as the minimal YAML sequence beanstalkd clients
// expect (compmaniak-go-beanstalk/parse.go's parseList counterpart),
// framed as `OK <bytes>\r\n<body>\r\n`.
func yamlList(names []string) string {
	var b strings.Builder
	for _, n := range names {
		b.WriteString("- ")
		b.WriteString(n)
		b.WriteString("\n")
	}
	body := b.String()
	return fmt.Sprintf("OK %d\r\n%s\r\n", len(body), body)
}
