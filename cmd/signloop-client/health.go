package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway health and readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		base := strings.TrimRight(gatewayURL, "/")

		resp, err := client.Get(base + "/healthz")
		if err != nil {
			return fmt.Errorf("healthz: %w", err)
		}
		resp.Body.Close()
		fmt.Printf("healthz: %d\n", resp.StatusCode)

		resp, err = client.Get(base + "/readyz")
		if err != nil {
			return fmt.Errorf("readyz: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		var ready struct {
			OK             bool     `json:"ok"`
			AuthMode       string   `json:"auth_mode"`
			Draining       bool     `json:"draining"`
			StoriesEnabled bool     `json:"stories_enabled"`
			Issues         []string `json:"issues"`
		}
		if err := json.Unmarshal(body, &ready); err != nil {
			return fmt.Errorf("readyz: decode: %w", err)
		}
		fmt.Printf("readyz: %d ok=%v auth=%s stories=%v draining=%v\n",
			resp.StatusCode, ready.OK, ready.AuthMode, ready.StoriesEnabled, ready.Draining)
		for _, issue := range ready.Issues {
			fmt.Printf("  issue: %s\n", issue)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("gateway is not ready")
		}
		return nil
	},
}
