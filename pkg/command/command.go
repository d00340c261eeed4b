// Package command dispatches parsed client requests against the
// database and renders typed protocol replies. It holds no connection
// state; the server layer owns sockets and the PSYNC upgrade.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kvlite/pkg/db"
	"kvlite/pkg/kv"
	"kvlite/pkg/metrics"
	"kvlite/pkg/resp"
)

// Reply texts for the error classes the protocol distinguishes.
const (
	wrongTypeMsg = "WRONGTYPE Operation against a key holding the wrong kind of value"
	oomMsg       = "OOM command not allowed when used memory > 'maxmemory'"
	readOnlyMsg  = "READONLY You can't write against a read only replica."
)

// InfoProvider contributes a section of INFO output. The replication
// master and replica both implement it.
type InfoProvider interface {
	Info() map[string]string
}

type Executor struct {
	db      *db.DB
	started time.Time

	repl    InfoProvider
	metrics *metrics.Metrics

	// save runs a synchronous snapshot; wired by the process start-up
	// so the executor does not need the replication offset plumbing.
	save func() error
}

type Options struct {
	Repl    InfoProvider
	Metrics *metrics.Metrics
	Save    func() error
}

func NewExecutor(d *db.DB, opts Options) *Executor {
	return &Executor{
		db:      d,
		started: time.Now(),
		repl:    opts.Repl,
		metrics: opts.Metrics,
		save:    opts.Save,
	}
}

// Execute runs one command and returns its reply. Protocol errors for
// the connection (malformed framing) never reach this layer; everything
// here answers in-band.
func (e *Executor) Execute(args [][]byte) resp.Reply {
	if len(args) == 0 {
		return resp.Errorf("ERR empty command")
	}
	name := strings.ToUpper(string(args[0]))
	start := time.Now()
	reply := e.dispatch(name, args[1:])
	if e.metrics != nil {
		_, failed := reply.(resp.ErrorReply)
		e.metrics.ObserveCommand(name, !failed, time.Since(start))
	}
	return reply
}

func (e *Executor) dispatch(name string, args [][]byte) resp.Reply {
	switch name {
	case "PING":
		return e.ping(args)
	case "ECHO":
		return e.echo(args)
	case "SET":
		return e.set(args)
	case "GET":
		return e.get(args)
	case "DEL":
		return e.del(args)
	case "EXISTS":
		return e.exists(args)
	case "EXPIRE":
		return e.expire(args)
	case "TTL":
		return e.ttl(args, time.Second)
	case "PTTL":
		return e.ttl(args, time.Millisecond)
	case "KEYS":
		return e.keys(args)
	case "DBSIZE":
		return e.dbsize(args)
	case "FLUSHDB":
		return e.flushdb(args)
	case "LPUSH":
		return e.push(args, true)
	case "RPUSH":
		return e.push(args, false)
	case "LRANGE":
		return e.lrange(args)
	case "LLEN":
		return e.llen(args)
	case "HSET":
		return e.hset(args)
	case "HGET":
		return e.hget(args)
	case "HDEL":
		return e.hdel(args)
	case "HGETALL":
		return e.hgetall(args)
	case "INFO":
		return e.info(args)
	case "SAVE":
		return e.saveCmd(args)
	case "REPLCONF":
		// Pre-sync replica options; accepted and currently unused.
		return resp.OK
	case "COMMAND":
		return e.commandList()
	default:
		return resp.Errorf(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(name)))
	}
}

func (e *Executor) ping(args [][]byte) resp.Reply {
	switch len(args) {
	case 0:
		return resp.SimpleReply("PONG")
	case 1:
		return resp.Bulk(args[0])
	default:
		return arityErr("ping")
	}
}

func (e *Executor) echo(args [][]byte) resp.Reply {
	if len(args) != 1 {
		return arityErr("echo")
	}
	return resp.Bulk(args[0])
}

// set handles SET key value [EX seconds | PX milliseconds] [NX | XX].
func (e *Executor) set(args [][]byte) resp.Reply {
	if len(args) < 2 {
		return arityErr("set")
	}
	key := string(args[0])
	val := args[1]

	var ttl time.Duration
	mode := db.SetAlways
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "EX", "PX":
			unit := time.Second
			if strings.EqualFold(string(args[i]), "PX") {
				unit = time.Millisecond
			}
			if i+1 >= len(args) {
				return resp.Errorf("ERR syntax error")
			}
			n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || n <= 0 {
				return resp.Errorf("ERR invalid expire time in 'set' command")
			}
			ttl = time.Duration(n) * unit
			i++
		case "NX":
			mode = db.SetIfAbsent
		case "XX":
			mode = db.SetIfExists
		default:
			return resp.Errorf("ERR syntax error")
		}
	}

	done, err := e.db.SetWithMode(key, kv.BytesValue(val), ttl, mode)
	if err != nil {
		return writeErr(err)
	}
	if !done {
		return resp.NilBulk()
	}
	return resp.OK
}

func (e *Executor) get(args [][]byte) resp.Reply {
	if len(args) != 1 {
		return arityErr("get")
	}
	v, ok := e.db.Store().Get(string(args[0]))
	if !ok {
		return resp.NilBulk()
	}
	if v.Kind != kv.KindBytes {
		return resp.Errorf(wrongTypeMsg)
	}
	return resp.Bulk(v.Bytes)
}

func (e *Executor) del(args [][]byte) resp.Reply {
	if len(args) == 0 {
		return arityErr("del")
	}
	removed := 0
	for _, key := range args {
		ok, err := e.db.Delete(string(key))
		if err != nil {
			return writeErr(err)
		}
		if ok {
			removed++
		}
	}
	return resp.IntReply(removed)
}

func (e *Executor) exists(args [][]byte) resp.Reply {
	if len(args) == 0 {
		return arityErr("exists")
	}
	n := 0
	for _, key := range args {
		if e.db.Store().Exists(string(key)) {
			n++
		}
	}
	return resp.IntReply(n)
}

func (e *Executor) expire(args [][]byte) resp.Reply {
	if len(args) != 2 {
		return arityErr("expire")
	}
	secs, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		return resp.Errorf("ERR value is not an integer or out of range")
	}
	ok, err := e.db.Expire(string(args[0]), time.Duration(secs)*time.Second)
	if err != nil {
		return writeErr(err)
	}
	if !ok {
		return resp.IntReply(0)
	}
	return resp.IntReply(1)
}

// ttl answers in the given unit: -2 for a missing key, -1 for a key
// without expiry.
func (e *Executor) ttl(args [][]byte, unit time.Duration) resp.Reply {
	if len(args) != 1 {
		return arityErr("ttl")
	}
	remaining, hasTTL, exists := e.db.Store().TTLRemaining(string(args[0]))
	switch {
	case !exists:
		return resp.IntReply(-2)
	case !hasTTL:
		return resp.IntReply(-1)
	default:
		// Round up so a live key never answers 0.
		return resp.IntReply(int64((remaining + unit - 1) / unit))
	}
}

func (e *Executor) keys(args [][]byte) resp.Reply {
	if len(args) != 1 {
		return arityErr("keys")
	}
	keys := e.db.Store().Keys(string(args[0]))
	items := make([]resp.Reply, len(keys))
	for i, k := range keys {
		items[i] = resp.BulkString(k)
	}
	return resp.ArrayReply{Items: items}
}

func (e *Executor) dbsize(args [][]byte) resp.Reply {
	if len(args) != 0 {
		return arityErr("dbsize")
	}
	return resp.IntReply(int64(e.db.Store().Len()))
}

func (e *Executor) flushdb(args [][]byte) resp.Reply {
	if len(args) != 0 {
		return arityErr("flushdb")
	}
	if err := e.db.FlushAll(); err != nil {
		return writeErr(err)
	}
	return resp.OK
}

func (e *Executor) push(args [][]byte, front bool) resp.Reply {
	if len(args) < 2 {
		return arityErr("lpush")
	}
	key := string(args[0])
	elems := args[1:]

	var (
		n   int
		err error
	)
	if front {
		n, err = e.db.LPush(key, elems...)
	} else {
		n, err = e.db.RPush(key, elems...)
	}
	if err != nil {
		return writeErr(err)
	}
	return resp.IntReply(int64(n))
}

func (e *Executor) lrange(args [][]byte) resp.Reply {
	if len(args) != 3 {
		return arityErr("lrange")
	}
	start, err1 := strconv.Atoi(string(args[1]))
	stop, err2 := strconv.Atoi(string(args[2]))
	if err1 != nil || err2 != nil {
		return resp.Errorf("ERR value is not an integer or out of range")
	}
	elems, err := e.db.Store().LRange(string(args[0]), start, stop)
	if err != nil {
		return writeErr(err)
	}
	items := make([]resp.Reply, len(elems))
	for i, el := range elems {
		items[i] = resp.Bulk(el)
	}
	return resp.ArrayReply{Items: items}
}

func (e *Executor) llen(args [][]byte) resp.Reply {
	if len(args) != 1 {
		return arityErr("llen")
	}
	n, err := e.db.Store().LLen(string(args[0]))
	if err != nil {
		return writeErr(err)
	}
	return resp.IntReply(int64(n))
}

func (e *Executor) hset(args [][]byte) resp.Reply {
	if len(args) < 3 || len(args)%2 == 0 {
		return arityErr("hset")
	}
	fields := make(map[string][]byte, (len(args)-1)/2)
	for i := 1; i < len(args); i += 2 {
		fields[string(args[i])] = args[i+1]
	}
	added, err := e.db.HSet(string(args[0]), fields)
	if err != nil {
		return writeErr(err)
	}
	return resp.IntReply(int64(added))
}

func (e *Executor) hget(args [][]byte) resp.Reply {
	if len(args) != 2 {
		return arityErr("hget")
	}
	v, ok, err := e.db.Store().HGet(string(args[0]), string(args[1]))
	if err != nil {
		return writeErr(err)
	}
	if !ok {
		return resp.NilBulk()
	}
	return resp.Bulk(v)
}

func (e *Executor) hdel(args [][]byte) resp.Reply {
	if len(args) < 2 {
		return arityErr("hdel")
	}
	fields := make([]string, len(args)-1)
	for i, f := range args[1:] {
		fields[i] = string(f)
	}
	removed, err := e.db.HDel(string(args[0]), fields...)
	if err != nil {
		return writeErr(err)
	}
	return resp.IntReply(int64(removed))
}

func (e *Executor) hgetall(args [][]byte) resp.Reply {
	if len(args) != 1 {
		return arityErr("hgetall")
	}
	fields, err := e.db.Store().HGetAll(string(args[0]))
	if err != nil {
		return writeErr(err)
	}
	items := make([]resp.Reply, 0, len(fields)*2)
	for f, v := range fields {
		items = append(items, resp.BulkString(f), resp.Bulk(v))
	}
	return resp.ArrayReply{Items: items}
}

func (e *Executor) saveCmd(args [][]byte) resp.Reply {
	if len(args) != 0 {
		return arityErr("save")
	}
	if e.save == nil {
		return resp.Errorf("ERR SAVE is not available")
	}
	if err := e.save(); err != nil {
		return resp.Errorf("ERR save failed: " + err.Error())
	}
	return resp.OK
}

func (e *Executor) commandList() resp.Reply {
	names := []string{
		"PING", "ECHO", "SET", "GET", "DEL", "EXISTS", "EXPIRE", "TTL", "PTTL",
		"KEYS", "DBSIZE", "FLUSHDB", "LPUSH", "RPUSH", "LRANGE", "LLEN",
		"HSET", "HGET", "HDEL", "HGETALL", "INFO", "SAVE", "REPLCONF", "PSYNC", "COMMAND",
	}
	items := make([]resp.Reply, len(names))
	for i, n := range names {
		items[i] = resp.BulkString(n)
	}
	return resp.ArrayReply{Items: items}
}

// writeErr maps engine errors onto the protocol's error vocabulary.
func writeErr(err error) resp.Reply {
	switch {
	case errors.Is(err, kv.ErrWrongKind):
		return resp.Errorf(wrongTypeMsg)
	case errors.Is(err, kv.ErrOutOfMemory):
		return resp.Errorf(oomMsg)
	case errors.Is(err, db.ErrReadOnly):
		return resp.Errorf(readOnlyMsg)
	default:
		return resp.Errorf("ERR " + err.Error())
	}
}

func arityErr(cmd string) resp.Reply {
	return resp.Errorf(fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd))
}
