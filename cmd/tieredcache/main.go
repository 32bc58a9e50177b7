package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	initLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// initLogger sets up apex with a line handler and a log level from the
// TIEREDCACHE_LOG env variable.
func initLogger(w io.Writer) {
	level := strings.ToLower(os.Getenv("TIEREDCACHE_LOG"))
	if level == "" {
		level = "info"
	}
	log.SetHandler(&lineHandler{w: w})
	if l, err := log.ParseLevel(level); err == nil {
		log.SetLevel(l)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// lineHandler writes one line per entry with fields in key order.
type lineHandler struct {
	w io.Writer
}

// HandleLog implements the log.Handler interface
func (h *lineHandler) HandleLog(e *log.Entry) error {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	level := strings.ToUpper(e.Level.String())

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %.1s %s", timestamp, level, e.Message)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%v", name, e.Fields[name])
	}
	b.WriteByte('\n')
	_, err := io.WriteString(h.w, b.String())
	return err
}
