package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"rmcast/engine"
)

const helpText = "commands: send <text>, stats, pending, quit, help"

// Serializes writes from the prompt and the delivery printer
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type repl struct {
	e   *engine.Engine
	in  io.Reader
	out io.Writer
}

// Read commands until quit or the end of the input
func (r *repl) run(ctx context.Context) error {
	fmt.Fprintf(r.out, "=== process %v started ===\n%v\n", r.e.ID(), helpText)
	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprintf(r.out, "%v> ", r.e.ID())
		if !scanner.Scan() {
			return scanner.Err()
		}
		if quit := r.handle(ctx, strings.TrimSpace(scanner.Text())); quit {
			return nil
		}
	}
}

// Execute one command. Returns true if the process should stop
func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch {
	case line == "":
	case cmd == "send" && strings.TrimSpace(arg) != "":
		id, err := r.e.Send(ctx, arg)
		if err != nil {
			fmt.Fprintf(r.out, "send failed: %v\n", err)
			break
		}
		fmt.Fprintf(r.out, "sent %v\n", id)
	case line == "stats":
		r.stats()
	case line == "pending":
		r.pending()
	case line == "help":
		fmt.Fprintln(r.out, helpText)
	case line == "quit":
		return true
	default:
		fmt.Fprintln(r.out, "invalid command, type 'help' for help")
	}
	return false
}

func (r *repl) stats() {
	s := r.e.Stats()
	rows := []struct {
		name  string
		value uint64
	}{
		{"messages_sent", s.Sent},
		{"messages_received", s.Received},
		{"messages_delivered", s.Delivered},
		{"acks_sent", s.AcksSent},
		{"acks_received", s.AcksReceived},
		{"retransmissions", s.Retransmissions},
		{"send_failures", s.SendFailures},
		{"malformed_frames", s.MalformedFrames},
		{"duplicates_dropped", s.DuplicatesDropped},
		{"lamport_time", uint64(s.LamportTime)},
		{"pending_messages", uint64(s.Pending)},
	}
	fmt.Fprintln(r.out, "=== stats ===")
	for _, row := range rows {
		fmt.Fprintf(r.out, "%v: %v\n", row.name, humanize.Comma(int64(row.value)))
	}
}

func (r *repl) pending() {
	pending := r.e.Pending()
	if len(pending) == 0 {
		fmt.Fprintln(r.out, "no pending messages")
		return
	}
	for _, p := range pending {
		fmt.Fprintf(r.out, "%v acks %d/%d, attempts %d, first sent %v\n",
			p.Message.ID, len(p.ReceivedFrom), p.RequiredAcks, p.Attempts, humanize.Time(p.FirstSentAt))
	}
}
