package resp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Wire limits. Oversized declarations are protocol errors, not
// allocation requests.
const (
	MaxBulkLen  = 512 << 20
	MaxArrayLen = 1 << 20
	maxLineLen  = 64 << 10
)

// ErrProtocol marks malformed input. The connection that produced it
// cannot be resynchronized and must be closed.
var ErrProtocol = errors.New("kvlite: protocol error")

func protoErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Reader decodes protocol values from a stream. It tolerates arbitrary
// fragmentation: bufio refills until a complete value is available.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadCommand reads one client request: an array of bulk strings, or
// an inline whitespace-separated line (used by the replication
// handshake and manual debugging). Returns io.EOF on clean close.
func (r *Reader) ReadCommand() ([][]byte, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return nil, err
	}
	if b != '*' {
		if err := r.br.UnreadByte(); err != nil {
			return nil, err
		}
		return r.readInline()
	}
	n, err := r.readLineInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, protoErrf("negative multibulk length %d", n)
	}
	if n > MaxArrayLen {
		return nil, protoErrf("multibulk length %d exceeds limit", n)
	}
	args := make([][]byte, 0, n)
	for i := int64(0); i < n; i++ {
		b, err := r.br.ReadByte()
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		if b != '$' {
			return nil, protoErrf("expected bulk string, got %q", b)
		}
		arg, err := r.readBulkBody()
		if err != nil {
			return nil, err
		}
		if arg == nil {
			return nil, protoErrf("null bulk string inside command")
		}
		args = append(args, arg)
	}
	return args, nil
}

// ReadLine reads one raw CRLF-terminated line without the terminator.
// The replication client uses it for handshake status lines.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.readLine()
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// ReadFull fills buf from the stream, used for sideband payloads
// that follow a length line (full sync snapshots).
func (r *Reader) ReadFull(buf []byte) error {
	_, err := io.ReadFull(r.br, buf)
	return err
}

// ReadReply decodes one reply of any type. Clients and tests use it to
// round-trip what the server wrote.
func (r *Reader) ReadReply() (Reply, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return nil, err
	}
	switch b {
	case '+':
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		return SimpleReply(line), nil
	case '-':
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		return ErrorReply(line), nil
	case ':':
		n, err := r.readLineInt()
		if err != nil {
			return nil, err
		}
		return IntReply(n), nil
	case '$':
		body, err := r.readBulkBody()
		if err != nil {
			return nil, err
		}
		if body == nil {
			return NilBulk(), nil
		}
		return Bulk(body), nil
	case '*':
		n, err := r.readLineInt()
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return ArrayReply{Nil: true}, nil
		}
		if n < 0 || n > MaxArrayLen {
			return nil, protoErrf("invalid array length %d", n)
		}
		items := make([]Reply, 0, n)
		for i := int64(0); i < n; i++ {
			item, err := r.ReadReply()
			if err != nil {
				return nil, unexpectedEOF(err)
			}
			items = append(items, item)
		}
		return ArrayReply{Items: items}, nil
	default:
		return nil, protoErrf("unknown type byte %q", b)
	}
}

// readBulkBody reads the length line and payload after a consumed '$'.
// A -1 length returns (nil, nil).
func (r *Reader) readBulkBody() ([]byte, error) {
	n, err := r.readLineInt()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if n < 0 {
		return nil, protoErrf("negative bulk length %d", n)
	}
	if n > MaxBulkLen {
		return nil, protoErrf("bulk length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.br, body); err != nil {
		return nil, unexpectedEOF(err)
	}
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(r.br, crlf); err != nil {
		return nil, unexpectedEOF(err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return nil, protoErrf("bulk string missing terminator")
	}
	return body, nil
}

func (r *Reader) readInline() ([][]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return nil, protoErrf("empty inline command")
	}
	args := make([][]byte, len(fields))
	for i, f := range fields {
		args[i] = bytes.Clone(f)
	}
	return args, nil
}

func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	if len(line) > maxLineLen {
		return nil, protoErrf("line exceeds %d bytes", maxLineLen)
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, protoErrf("line missing CRLF terminator")
	}
	return line[:len(line)-2], nil
}

func (r *Reader) readLineInt() (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return 0, protoErrf("invalid length %q", line)
	}
	return n, nil
}

// unexpectedEOF maps a mid-value EOF to io.ErrUnexpectedEOF so callers
// can tell a clean close from a truncated value.
func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
