// Command partychat is a terminal front-end for watch-party chat rooms.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath  string
	endpoint    string
	nickname    string
	icon        string
	logLevel    string
	metricsAddr string
}

func main() {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "partychat",
		Short: "Chat in a watch-party room from the terminal",
		Long: `partychat connects to a watch-party service, creates or joins a room,
and relays lines typed on stdin as chat messages.

Commands typed on stdin:
  /typing on|off   set the typing indicator
  /quit            leave the room`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to a YAML config file (default $PARTYCHAT_CONFIG)")
	pf.StringVar(&flags.endpoint, "endpoint", "", "service WebSocket URL")
	pf.StringVarP(&flags.nickname, "nickname", "n", "", "nickname shown to the room")
	pf.StringVar(&flags.icon, "icon", "", "icon shown next to the nickname")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		createCmd(flags),
		joinCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func createCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new room and chat in it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, flags, createRoom)
		},
	}
}

func joinCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "join <room>",
		Short: "Join an existing room and chat in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, flags, joinRoom(args[0]))
		},
	}
}
