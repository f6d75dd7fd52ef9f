package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the relay CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - real-time presence, membership and call signaling",
		Long: `Relay keeps live WebSocket sessions grouped into user and server
rooms and relays presence, role, kick, direct message and WebRTC
signaling events between them.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(cmd.Root().Version)
		},
	}
}
