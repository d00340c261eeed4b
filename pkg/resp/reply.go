// Package resp implements the length-prefixed, binary-safe array wire
// protocol: requests are arrays of bulk strings, replies are typed
// values (simple string, error, integer, bulk string, array, nil). The
// layer is stateless beyond the per-connection parse buffer and never
// touches the store.
package resp

// Reply is a typed protocol result.
type Reply interface {
	isReply()
}

type SimpleReply string

type ErrorReply string

type IntReply int64

// BulkReply carries a binary-safe byte string; Nil encodes the null
// bulk string ($-1).
type BulkReply struct {
	Val []byte
	Nil bool
}

// ArrayReply carries nested replies; Nil encodes the null array (*-1).
type ArrayReply struct {
	Items []Reply
	Nil   bool
}

func (SimpleReply) isReply() {}
func (ErrorReply) isReply()  {}
func (IntReply) isReply()    {}
func (BulkReply) isReply()   {}
func (ArrayReply) isReply()  {}

// OK is the canonical success reply.
const OK = SimpleReply("OK")

func Bulk(b []byte) BulkReply {
	return BulkReply{Val: b}
}

func BulkString(s string) BulkReply {
	return BulkReply{Val: []byte(s)}
}

func NilBulk() BulkReply {
	return BulkReply{Nil: true}
}

func Errorf(msg string) ErrorReply {
	return ErrorReply(msg)
}
