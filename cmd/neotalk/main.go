// Command neotalk runs the on-premise edge intelligence platform.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "neotalk",
		Short: "NeoTalk edge intelligence platform",
		Long:  "NeoTalk ingests device telemetry, runs rules and workflows over it, and exposes a conversational agent for the whole platform.",
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the platform",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("neotalk", version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
