// signloop-client is a terminal practice client for a running signloop
// gateway. It plays frames from disk over the live WebSocket and prints
// the feedback a learner's browser would render.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	gatewayURL string
	apiKey     string
)

var rootCmd = &cobra.Command{
	Use:          "signloop-client",
	Short:        "Practice client for the signloop gateway",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "http://localhost:8080", "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SIGNLOOP_API_KEY"), "gateway API key")

	rootCmd.AddCommand(practiceCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "signloop-client: %v\n", err)
		os.Exit(1)
	}
}
