package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/switchboard/internal/client"
	"github.com/alfredjeanlab/switchboard/internal/ui"
)

var (
	httpURL    string
	token      string
	jsonOutput bool
	noColor    bool

	eventsClient client.EventsClient
)

func defaultHTTPURL() string {
	if s := os.Getenv("SWITCHBOARD_URL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

var rootCmd = &cobra.Command{
	Use:           "sbd <command>",
	Short:         "Realtime event gateway and its operator CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		eventsClient = client.NewHTTPClient(httpURL, token)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if eventsClient != nil {
			eventsClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "url", defaultHTTPURL(), "server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SWITCHBOARD_TOKEN"), "bearer token (user JWT, or service token for publish)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "events", Title: "Events:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Events
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(seqCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(publishCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.RenderWarn("Error:"), err)
		os.Exit(1)
	}
}
