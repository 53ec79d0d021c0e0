package broker

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"tubebroker/internal/clock"
)

// testCore wires a Core over a discarding logger for net.Pipe-based
// connection tests.
func testCore() *Core {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewCore(Config{MaxJobSize: 65536, DefaultTubeIsError: true}, clock.Real(), log.WithField("test", true))
}

// dial runs one connection's ServeConn against a net.Pipe and returns
// the client-facing end plus a bufio.Reader over it.
func dial(t *testing.T, core *Core) (net.Conn, *bufio.Reader, func()) {
	t.Helper()
	c1, c2 := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		core.ServeConn(ctx, c1)
		close(done)
	}()
	cleanup := func() {
		cancel()
		c2.Close()
		<-done
	}
	return c2, bufio.NewReader(c2), cleanup
}

func send(t *testing.T, c net.Conn, line string) {
	t.Helper()
	if _, err := io.WriteString(c, line); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	c := make(chan string, 1)
	e := make(chan error, 1)
	go func() {
		line, err := r.ReadString('\n')
		if err != nil {
			e <- err
			return
		}
		c <- line
	}()
	select {
	case got := <-c:
		if got != want {
			t.Fatalf("want %q, got %q", want, got)
		}
	case err := <-e:
		t.Fatalf("read error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestBasicPutAndReserve(t *testing.T) {
	core := testCore()
	c, r, cleanup := dial(t, core)
	defer cleanup()

	send(t, c, "use foo\r\n")
	expectLine(t, r, "USING foo\r\n")

	send(t, c, "put 500 0 10 20\r\n01234567890123456789\r\n")
	expectLine(t, r, "INSERTED 1\r\n")

	send(t, c, "watch foo\r\n")
	expectLine(t, r, "WATCHING 1\r\n")

	send(t, c, "reserve\r\n")
	expectLine(t, r, "RESERVED 1 20\r\n")
	body := make([]byte, 20+2)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body[:20]) != "01234567890123456789" {
		t.Fatalf("got body %q", body[:20])
	}
}

func TestReserveBeforePutAcrossTwoConnections(t *testing.T) {
	core := testCore()
	c1, r1, cleanup1 := dial(t, core)
	defer cleanup1()
	c2, r2, cleanup2 := dial(t, core)
	defer cleanup2()

	send(t, c2, "watch bar\r\n")
	expectLine(t, r2, "WATCHING 1\r\n")

	reserveDone := make(chan struct{})
	go func() {
		send(t, c2, "reserve\r\n")
		close(reserveDone)
	}()
	time.Sleep(20 * time.Millisecond)

	send(t, c1, "use bar\r\n")
	expectLine(t, r1, "USING bar\r\n")
	send(t, c1, "put 10 0 30 3\r\nhey\r\n")
	expectLine(t, r1, "INSERTED 1\r\n")

	<-reserveDone
	expectLine(t, r2, "RESERVED 1 3\r\n")
	body := make([]byte, 5)
	if _, err := io.ReadFull(r2, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hey\r\n" {
		t.Fatalf("got %q", body)
	}
}

func TestJobTooBig(t *testing.T) {
	core := testCore()
	c, r, cleanup := dial(t, core)
	defer cleanup()

	send(t, c, "use foo\r\n")
	expectLine(t, r, "USING foo\r\n")

	oversized := 66000
	send(t, c, "put 500 0 10 "+strconv.Itoa(oversized)+"\r\n")
	send(t, c, strings.Repeat("a", oversized)+"\r\n")
	expectLine(t, r, "JOB_TOO_BIG\r\n")

	send(t, c, "use baz\r\n")
	expectLine(t, r, "USING baz\r\n")
}

func TestReserveWithoutWatchingOverTheWire(t *testing.T) {
	core := testCore()
	c, r, cleanup := dial(t, core)
	defer cleanup()

	send(t, c, "reserve\r\n")
	expectLine(t, r, "Error: 'reserve' without watching a tube.\r\n")
}

func TestDeleteByNonOwnerThenOwner(t *testing.T) {
	core := testCore()
	c1, r1, cleanup1 := dial(t, core)
	defer cleanup1()
	c2, r2, cleanup2 := dial(t, core)
	defer cleanup2()
	c3, r3, cleanup3 := dial(t, core)
	defer cleanup3()

	send(t, c1, "use foo\r\n")
	expectLine(t, r1, "USING foo\r\n")
	send(t, c1, "put 10 0 60 1\r\nx\r\n")
	expectLine(t, r1, "INSERTED 1\r\n")

	send(t, c2, "watch foo\r\n")
	expectLine(t, r2, "WATCHING 1\r\n")
	send(t, c2, "reserve\r\n")
	expectLine(t, r2, "RESERVED 1 1\r\n")
	io.ReadFull(r2, make([]byte, 3))

	send(t, c3, "delete 1\r\n")
	expectLine(t, r3, "NOT_FOUND\r\n")

	send(t, c2, "delete 1\r\n")
	expectLine(t, r2, "DELETED\r\n")
}
