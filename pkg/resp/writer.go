package resp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Writer encodes replies onto a buffered stream. Callers must Flush
// after the last reply of a batch.
type Writer struct {
	bw *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// WriteReply encodes any Reply value.
func (w *Writer) WriteReply(r Reply) error {
	switch v := r.(type) {
	case SimpleReply:
		return w.WriteSimpleString(string(v))
	case ErrorReply:
		return w.WriteError(string(v))
	case IntReply:
		return w.WriteInt(int64(v))
	case BulkReply:
		if v.Nil {
			return w.WriteNilBulk()
		}
		return w.WriteBulk(v.Val)
	case ArrayReply:
		if v.Nil {
			return w.WriteNilArray()
		}
		if err := w.WriteArrayHeader(len(v.Items)); err != nil {
			return err
		}
		for _, item := range v.Items {
			if err := w.WriteReply(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("kvlite: unencodable reply type %T", r)
	}
}

func (w *Writer) WriteSimpleString(s string) error {
	return w.writeLine('+', s)
}

func (w *Writer) WriteError(msg string) error {
	return w.writeLine('-', msg)
}

func (w *Writer) WriteInt(n int64) error {
	return w.writeLine(':', strconv.FormatInt(n, 10))
}

func (w *Writer) WriteBulk(b []byte) error {
	if err := w.writeLine('$', strconv.Itoa(len(b))); err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	_, err := w.bw.WriteString("\r\n")
	return err
}

func (w *Writer) WriteNilBulk() error {
	return w.writeLine('$', "-1")
}

func (w *Writer) WriteArrayHeader(n int) error {
	return w.writeLine('*', strconv.Itoa(n))
}

func (w *Writer) WriteNilArray() error {
	return w.writeLine('*', "-1")
}

// WriteCommand encodes a request as an array of bulk strings. The
// client and the replication handshake share it.
func (w *Writer) WriteCommand(args ...[]byte) error {
	if err := w.WriteArrayHeader(len(args)); err != nil {
		return err
	}
	for _, a := range args {
		if err := w.WriteBulk(a); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteRaw bypasses reply framing for preformatted bytes such as the
// full sync payload header.
func (w *Writer) WriteRaw(b []byte) error {
	_, err := w.bw.Write(b)
	return err
}

func (w *Writer) writeLine(prefix byte, body string) error {
	if err := w.bw.WriteByte(prefix); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(body); err != nil {
		return err
	}
	_, err := w.bw.WriteString("\r\n")
	return err
}
