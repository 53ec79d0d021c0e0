// Package protocol implements the line-oriented command framer: reading
// CRLF-terminated command lines off a connection, and the special
// two-frame shape of `put` (a header line followed by a declared-length
// body and its own trailing CRLF). This is an explicit state machine
// (awaiting a command line, or awaiting a put body of known length)
// rather than the byte-accumulate-and-rescan loop the original
// single-task implementation used.
package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

// Command is one parsed client command. Body is only set for put.
type Command struct {
	Name string
	Args []string
	Body []byte
}

// ParseError carries a wire-ready reply for a recoverable framing
// problem (bad put header, oversized body, missing trailing CRLF). The
// connection stays open; the caller writes Reply and keeps reading.
type ParseError struct {
	Reply string
}

func (e *ParseError) Error() string { return strings.TrimRight(e.Reply, "\r\n") }

func badFormat() error  { return &ParseError{Reply: "BAD_FORMAT\r\n"} }
func jobTooBig() error  { return &ParseError{Reply: "JOB_TOO_BIG\r\n"} }
func expectCRLF() error { return &ParseError{Reply: "EXPECTED_CRLF\r\n"} }

// Framer reads Commands off a byte stream.
type Framer struct {
	r          *bufio.Reader
	maxJobSize int
}

// NewFramer wraps r. maxJobSize bounds the declared length of a put
// body; a larger declared length is rejected with JOB_TOO_BIG after the
// body bytes are discarded so the stream stays in sync.
func NewFramer(r io.Reader, maxJobSize int) *Framer {
	return &Framer{r: bufio.NewReader(r), maxJobSize: maxJobSize}
}

// ReadCommand reads and parses the next command. It returns io.EOF (or
// the reader's own error) when the connection is gone, a *ParseError for
// a recoverable protocol violation, or a parsed Command.
func (f *Framer) ReadCommand() (*Command, error) {
	line, err := f.readLine()
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return &Command{Name: ""}, nil
	}
	name := fields[0]
	if name != "put" {
		return &Command{Name: name, Args: fields[1:]}, nil
	}
	return f.readPut(fields[1:])
}

func (f *Framer) readPut(args []string) (*Command, error) {
	if len(args) != 4 {
		return nil, badFormat()
	}
	pri, err1 := strconv.ParseUint(args[0], 10, 32)
	delay, err2 := strconv.ParseUint(args[1], 10, 64)
	ttr, err3 := strconv.ParseUint(args[2], 10, 64)
	size, err4 := strconv.ParseUint(args[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, badFormat()
	}

	if size > uint64(f.maxJobSize) {
		if _, err := io.CopyN(io.Discard, f.r, int64(size)+2); err != nil {
			return nil, err
		}
		return nil, jobTooBig()
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return nil, err
	}
	trailer := make([]byte, 2)
	if _, err := io.ReadFull(f.r, trailer); err != nil {
		return nil, err
	}
	if !bytes.Equal(trailer, []byte("\r\n")) {
		return nil, expectCRLF()
	}

	return &Command{
		Name: "put",
		Args: []string{
			strconv.FormatUint(pri, 10),
			strconv.FormatUint(delay, 10),
			strconv.FormatUint(ttr, 10),
		},
		Body: body,
	}, nil
}

// readLine reads up to and including the next "\r\n", returning the line
// without the terminator.
func (f *Framer) readLine() (string, error) {
	raw, err := f.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(raw, "\r\n"), nil
}
