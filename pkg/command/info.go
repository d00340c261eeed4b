package command

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"kvlite/pkg/resp"
)

const serverVersion = "1.0.0"

// info renders the sectioned status report. With no argument every
// section is included; with one argument only the named section.
func (e *Executor) info(args [][]byte) resp.Reply {
	if len(args) > 1 {
		return arityErr("info")
	}
	want := ""
	if len(args) == 1 {
		want = strings.ToLower(string(args[0]))
	}

	var b strings.Builder
	section := func(name string, fields func(*strings.Builder)) {
		if want != "" && want != name {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\r\n")
		}
		fmt.Fprintf(&b, "# %s\r\n", strings.ToUpper(name[:1])+name[1:])
		fields(&b)
	}

	section("server", func(b *strings.Builder) {
		fmt.Fprintf(b, "kvlite_version:%s\r\n", serverVersion)
		fmt.Fprintf(b, "uptime_in_seconds:%d\r\n", int64(time.Since(e.started).Seconds()))
	})

	section("memory", func(b *strings.Builder) {
		fmt.Fprintf(b, "used_memory:%d\r\n", e.db.Store().MemoryUsed())
	})

	section("stats", func(b *strings.Builder) {
		st := e.db.Store().Stats()
		fmt.Fprintf(b, "total_sets:%d\r\n", st.Sets)
		fmt.Fprintf(b, "total_gets:%d\r\n", st.Gets)
		fmt.Fprintf(b, "total_deletes:%d\r\n", st.Deletes)
		fmt.Fprintf(b, "expired_keys:%d\r\n", st.Expirations)
		fmt.Fprintf(b, "evicted_keys:%d\r\n", st.Evictions)
	})

	section("persistence", func(b *strings.Builder) {
		fmt.Fprintf(b, "wal_last_seq:%d\r\n", e.db.WAL().LastSeq())
		fmt.Fprintf(b, "last_applied_seq:%d\r\n", e.db.LastApplied())
	})

	section("replication", func(b *strings.Builder) {
		if e.repl == nil {
			fmt.Fprintf(b, "role:standalone\r\n")
			return
		}
		kv := e.repl.Info()
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, "%s:%s\r\n", k, kv[k])
		}
	})

	section("keyspace", func(b *strings.Builder) {
		fmt.Fprintf(b, "db0:keys=%d\r\n", e.db.Store().Len())
	})

	return resp.Bulk([]byte(b.String()))
}
