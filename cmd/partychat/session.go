package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/omochice/partychat/internal/config"
	"github.com/omochice/partychat/pkg/client"
	"github.com/omochice/partychat/pkg/protocol"
)

const requestTimeout = 30 * time.Second

// enterFunc puts the client in a room and returns the room id and history.
type enterFunc func(ctx context.Context, c *client.Client, nickname, icon string) (string, []protocol.ChatMessage, error)

func createRoom(ctx context.Context, c *client.Client, nickname, icon string) (string, []protocol.ChatMessage, error) {
	room, err := c.CreateRoom(ctx, nickname, iconArgs(icon)...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create room: %w", err)
	}
	return room, nil, nil
}

func joinRoom(room string) enterFunc {
	return func(ctx context.Context, c *client.Client, nickname, icon string) (string, []protocol.ChatMessage, error) {
		res, err := c.JoinRoom(ctx, nickname, room, iconArgs(icon)...)
		if err != nil {
			return "", nil, fmt.Errorf("failed to join room %s: %w", room, err)
		}
		return room, res.Messages, nil
	}
}

func iconArgs(icon string) []string {
	if icon == "" {
		return nil
	}
	return []string{icon}
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFile(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("endpoint") {
		cfg.Endpoint = flags.endpoint
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runSession(cmd *cobra.Command, flags *rootFlags, enter enterFunc) error {
	if flags.nickname == "" {
		return errors.New("--nickname is required")
	}
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := append(client.FromConfig(cfg), client.WithLogger(logger))
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		shutdown := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer shutdown()
		opts = append(opts, client.WithMetricsRegisterer(reg))
	}

	out := newRenderer(cmd.OutOrStdout(), flags.nickname)
	ready := make(chan struct{})
	var readyOnce sync.Once

	c := client.New(client.HandlerFuncs{
		Ready:  func() { readyOnce.Do(func() { close(ready) }) },
		Event:  out.event,
		Closed: func() { out.system("connection closed") },
	}, opts...)
	defer c.Teardown()

	select {
	case <-ready:
	case <-c.Done():
		return fmt.Errorf("could not connect to %s", cfg.Endpoint)
	case <-ctx.Done():
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	room, history, err := enter(reqCtx, c, flags.nickname, flags.icon)
	cancel()
	if err != nil {
		return err
	}

	out.banner(room)
	for _, msg := range history {
		out.message(msg)
	}

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return errors.New("disconnected from the service")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(c, out, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// sender is the part of the client driven by stdin.
type sender interface {
	SendMessage(body string)
	SetTyping(typing bool)
}

type actionKind int

const (
	actionNone actionKind = iota
	actionSay
	actionTyping
	actionQuit
	actionInvalid
)

type action struct {
	kind   actionKind
	body   string
	typing bool
}

func parseLine(line string) action {
	line = strings.TrimSpace(line)
	if line == "" {
		return action{kind: actionNone}
	}
	if !strings.HasPrefix(line, "/") {
		return action{kind: actionSay, body: line}
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return action{kind: actionQuit}
	case "/typing":
		if len(fields) == 2 {
			switch fields[1] {
			case "on":
				return action{kind: actionTyping, typing: true}
			case "off":
				return action{kind: actionTyping, typing: false}
			}
		}
	}
	return action{kind: actionInvalid, body: line}
}

// handleLine applies one stdin line and reports whether to quit.
func handleLine(s sender, out *renderer, line string) bool {
	a := parseLine(line)
	switch a.kind {
	case actionSay:
		if out.selfTyping() {
			out.setSelfTyping(false)
			s.SetTyping(false)
		}
		s.SendMessage(a.body)
	case actionTyping:
		out.setSelfTyping(a.typing)
		s.SetTyping(a.typing)
	case actionQuit:
		return true
	case actionInvalid:
		out.system("unknown command: " + a.body)
	}
	return false
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
