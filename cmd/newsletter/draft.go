package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ignite/newsletter-engine/internal/feed"
)

var draftURL string

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Print a send request drafted from the newest feed item",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := draftURL
		if url == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			url = cfg.Feed.URL
		}
		if url == "" {
			return fmt.Errorf("set --url or feed.url")
		}

		d, err := feed.NewDrafter().LatestIssue(cmd.Context(), url)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	},
}

func init() {
	draftCmd.Flags().StringVar(&draftURL, "url", "", "feed URL (defaults to feed.url)")
}
