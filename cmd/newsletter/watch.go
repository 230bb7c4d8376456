package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/poller"
)

var (
	watchServer string
	watchToken  string
)

var progressCmd = &cobra.Command{
	Use:   "progress <title>",
	Short: "Print the progress of a campaign as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.Newsletters.GetNewsletterProgress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <title>",
	Short: "Follow a campaign until it completes or fails",
	Long: `Watch polls campaign progress. With --server it queries a running API
server; otherwise it reads the configured store directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaign titles, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		titles, err := a.Newsletters.ListTitles(cmd.Context())
		if err != nil {
			return err
		}
		for _, t := range titles {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "", "API base URL, e.g. http://localhost:8080")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "admin bearer token for --server")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var fetcher poller.ProgressFetcher
	if watchServer != "" {
		token := watchToken
		if token == "" {
			token = cfg.Server.AdminToken
		}
		fetcher = poller.NewHTTPFetcher(watchServer, token, nil)
	} else {
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()
		fetcher = a.Newsletters
	}

	st := watchProgress(ctx, cmd.OutOrStdout(), fetcher, args[0], cfg.Poller.Interval())
	if st.Status == poller.StatusError {
		return fmt.Errorf("watch %q: %s", args[0], st.Err)
	}
	if st.Snapshot != nil {
		printSnapshot(cmd.OutOrStdout(), st.Snapshot)
	}
	return ctx.Err()
}

// watchProgress polls title until it completes, fails, errors or ctx ends,
// printing a progress line on every update.
func watchProgress(ctx context.Context, out io.Writer, f poller.ProgressFetcher, title string, interval time.Duration) poller.State {
	p := poller.New(f, interval, poller.WithFetchTimeout(10*time.Second))
	defer p.Close()

	done := make(chan poller.State, 1)
	p.OnUpdate(func(s poller.State) {
		if s.Snapshot != nil && s.Status == poller.StatusPolling {
			printProgressLine(out, s.Snapshot)
		}
		if s.Status != poller.StatusPolling {
			select {
			case done <- s:
			default:
			}
		}
	})
	p.StartPolling(title)

	select {
	case s := <-done:
		return s
	case <-ctx.Done():
		p.StopPolling()
		return p.State()
	}
}

func printProgressLine(out io.Writer, s *domain.ProgressSnapshot) {
	fmt.Fprintf(out, "%s: %3d%% (%d/%d) %s\n",
		s.CampaignTitle, s.ProgressPercentage, s.ProcessedCount, s.TotalRecipients, s.Status)
}

func printSnapshot(out io.Writer, s *domain.ProgressSnapshot) {
	if s == nil {
		fmt.Fprintln(out, "no such campaign")
		return
	}
	state := "resumed"
	if s.IsNewCampaign {
		state = "new"
	}
	fmt.Fprintf(out, "%s [%s]: %s, %d of %d delivered (%d%%)",
		s.CampaignTitle, state, s.Status, s.ProcessedCount, s.TotalRecipients, s.ProgressPercentage)
	if s.HasFailures {
		fmt.Fprint(out, ", some deliveries failed")
	}
	fmt.Fprintln(out)
}
