package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/feed"
	"github.com/ignite/newsletter-engine/internal/service/newsletter"
)

var (
	sendTitle    string
	sendSubject  string
	sendPreview  string
	sendHTMLFile string
	sendTest     bool
	sendFromFeed bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Create or resume a campaign and send it",
	Long: `Send delivers a newsletter to every subscriber. Re-running send with the
same title resumes the campaign: already delivered recipients are skipped and
failed ones are retried. Content given for an existing title is ignored.`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVarP(&sendTitle, "title", "t", "", "campaign title, the idempotency key")
	f.StringVarP(&sendSubject, "subject", "s", "", "email subject")
	f.StringVar(&sendPreview, "preview", "", "preview headline shown by mail clients")
	f.StringVar(&sendHTMLFile, "html-file", "", "path to the HTML body")
	f.BoolVar(&sendTest, "test", false, "send only to the configured test address")
	f.BoolVar(&sendFromFeed, "from-feed", false, "fill unset fields from the newest feed item")
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	req := newsletter.SendRequest{
		Title:       sendTitle,
		Subject:     sendSubject,
		PreviewText: sendPreview,
		Test:        sendTest,
	}
	if sendHTMLFile != "" {
		body, err := os.ReadFile(sendHTMLFile)
		if err != nil {
			return fmt.Errorf("read html: %w", err)
		}
		req.HTML = string(body)
	}
	if sendFromFeed {
		if err := fillFromFeed(ctx, &req, a.Config.Feed.URL); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	snap, err := sendWithProgress(ctx, out, a.Newsletters, req, a.Config.Poller.Interval())
	if err != nil {
		return err
	}
	printSnapshot(out, snap)
	if snap.Status == domain.CampaignFailed {
		return fmt.Errorf("campaign %q stopped after a failed batch; run send again to retry", snap.CampaignTitle)
	}
	return nil
}

func fillFromFeed(ctx context.Context, req *newsletter.SendRequest, url string) error {
	if url == "" {
		return fmt.Errorf("--from-feed needs feed.url in the config")
	}
	d, err := feed.NewDrafter().LatestIssue(ctx, url)
	if err != nil {
		return err
	}
	if req.Title == "" {
		req.Title = d.Title
	}
	if req.Subject == "" {
		req.Subject = d.Subject
	}
	if req.PreviewText == "" {
		req.PreviewText = d.PreviewText
	}
	if req.HTML == "" {
		req.HTML = d.HTML
	}
	return nil
}

// sendWithProgress runs the send and polls its progress from the same store
// until the send returns.
func sendWithProgress(ctx context.Context, out io.Writer, svc *newsletter.Service, req newsletter.SendRequest, interval time.Duration) (*domain.ProgressSnapshot, error) {
	type result struct {
		snap *domain.ProgressSnapshot
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		snap, err := svc.SendNewsletter(ctx, req)
		resCh <- result{snap, err}
	}()

	title := req.CampaignTitle()
	watchCtx, cancel := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		watchProgress(watchCtx, out, svc, title, interval)
	}()

	res := <-resCh
	cancel()
	<-watchDone
	return res.snap, res.err
}
