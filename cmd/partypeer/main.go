// Command partypeer runs the in-memory watch-party peer on a local port so
// partychat can be tried without the hosted service:
//
//	partypeer --listen 127.0.0.1:8080 &
//	partychat --endpoint ws://127.0.0.1:8080/ create -n alice
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/omochice/partychat/internal/fakepeer"
)

func main() {
	listen := pflag.StringP("listen", "l", "127.0.0.1:8080", "address to listen on")
	verbose := pflag.BoolP("verbose", "v", false, "log every connection and room change")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv := fakepeer.NewServer(fakepeer.NewHub(logger), logger)
	if err := srv.Start(*listen); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	logger.Info("dial this peer with partychat", "endpoint", srv.URL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("shutting down", "signal", sig.String())
	srv.Stop()
}
