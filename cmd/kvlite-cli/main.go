// kvlite-cli is a line-oriented client: each input line is sent as one
// command and the decoded reply is printed.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"kvlite/pkg/resp"
)

func main() {
	var (
		host = flag.String("host", "127.0.0.1", "server host")
		port = flag.Int("port", 6379, "server port")
	)
	flag.Parse()

	addr := net.JoinHostPort(*host, fmt.Sprint(*port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("connect to %s: %v", addr, err)
	}
	defer conn.Close()

	r := resp.NewReader(conn)
	w := resp.NewWriter(conn)

	// One-shot mode: arguments on the command line form a single command.
	if flag.NArg() > 0 {
		if err := roundTrip(r, w, flag.Args()); err != nil {
			log.Fatal(err)
		}
		return
	}

	fmt.Printf("connected to %s\n", addr)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s> ", addr)
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if strings.EqualFold(fields[0], "quit") || strings.EqualFold(fields[0], "exit") {
			return
		}
		if err := roundTrip(r, w, fields); err != nil {
			if errors.Is(err, io.EOF) {
				log.Fatal("server closed the connection")
			}
			log.Fatal(err)
		}
	}
}

func roundTrip(r *resp.Reader, w *resp.Writer, fields []string) error {
	args := make([][]byte, len(fields))
	for i, f := range fields {
		args[i] = []byte(f)
	}
	if err := w.WriteCommand(args...); err != nil {
		return err
	}
	reply, err := r.ReadReply()
	if err != nil {
		return err
	}
	fmt.Println(render(reply, 0))
	return nil
}

// render formats a reply the way a human expects at a prompt.
func render(reply resp.Reply, depth int) string {
	switch v := reply.(type) {
	case resp.SimpleReply:
		return string(v)
	case resp.ErrorReply:
		return "(error) " + string(v)
	case resp.IntReply:
		return fmt.Sprintf("(integer) %d", int64(v))
	case resp.BulkReply:
		if v.Nil {
			return "(nil)"
		}
		return fmt.Sprintf("%q", v.Val)
	case resp.ArrayReply:
		if v.Nil {
			return "(nil)"
		}
		if len(v.Items) == 0 {
			return "(empty array)"
		}
		var b strings.Builder
		for i, item := range v.Items {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%s%d) %s", strings.Repeat("  ", depth), i+1, render(item, depth+1))
		}
		return b.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
