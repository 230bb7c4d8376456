package newsletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/pkg/distlock"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
	"github.com/ignite/newsletter-engine/internal/service/sending"
)

const (
	// DefaultBatchSize matches the SES bulk-send entry limit.
	DefaultBatchSize = 50

	testTitleSuffix = " [test]"
	testUnsubscribe = "test"

	lockReleaseTimeout = 5 * time.Second
)

// Config holds the tunables of the send loop.
type Config struct {
	BatchSize int
	// TestEmail receives test-mode sends.
	TestEmail string
	// UnsubscribeURL is the base URL; the recipient's key is appended as a
	// path segment.
	UnsubscribeURL string
}

// Option customises a Service.
type Option func(*Service)

// WithLocker installs a per-title run lock. A nil lock from the factory
// disables locking for that call.
func WithLocker(newLock func(title string) distlock.DistLock) Option {
	return func(s *Service) { s.newLock = newLock }
}

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithClock overrides time.Now for campaign timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service orchestrates campaign sends. It is safe for concurrent use for
// different titles; concurrent sends of the same title need WithLocker.
type Service struct {
	store    Store
	contacts ContactDirectory
	sender   sending.Sender
	cfg      Config

	newLock  func(title string) distlock.DistLock
	recorder Recorder
	now      func() time.Time
}

// NewService wires the service to its collaborators.
func NewService(store Store, contacts ContactDirectory, sender sending.Sender, cfg Config, opts ...Option) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	s := &Service{
		store:    store,
		contacts: contacts,
		sender:   sender,
		cfg:      cfg,
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendRequest is the input of SendNewsletter. Subject, PreviewText and HTML
// are only used when the title is new.
type SendRequest struct {
	Title       string
	Subject     string
	PreviewText string
	HTML        string
	Test        bool
}

// CampaignTitle is the key the campaign is stored under. Test sends live
// under their own title so they never touch the real campaign.
func (r SendRequest) CampaignTitle() string {
	title := strings.TrimSpace(r.Title)
	if r.Test {
		title += testTitleSuffix
	}
	return title
}

// SendNewsletter creates the campaign for req.Title if it does not exist, or
// resumes it if it does, then sends pending deliveries batch by batch until
// none are left or a batch reports a failure.
//
// Ordinary delivery failures are reported through the snapshot (status
// failed, HasFailures). An error is returned only for validation problems,
// storage errors, a sender that could not attempt a batch, or cancellation.
func (s *Service) SendNewsletter(ctx context.Context, req SendRequest) (*domain.ProgressSnapshot, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, &domain.ValidationError{Field: "title", Reason: "is required"}
	}
	if req.Test && strings.TrimSpace(s.cfg.TestEmail) == "" {
		return nil, ErrNoTestRecipient
	}
	title := req.CampaignTitle()

	var lock distlock.DistLock
	if s.newLock != nil {
		lock = s.newLock(title)
	}
	if lock != nil {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire newsletter lock: %w", err)
		}
		if !ok {
			return nil, ErrCampaignBusy
		}
		defer s.release(ctx, lock, title)
	}

	n, err := s.store.FindByTitle(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("find newsletter: %w", err)
	}

	isNew := n == nil
	if isNew {
		n, err = s.create(ctx, title, req)
		if err != nil {
			return nil, err
		}
	} else if reset := n.ResetFailedToPending(); reset > 0 {
		logger.Info("requeued failed deliveries", "component", "newsletter", "title", title, "count", reset)
	}

	if err := s.run(ctx, n, lock); err != nil {
		return nil, err
	}

	s.recorder.RunFinished(title, n.Status())
	logger.Info("newsletter run finished",
		"component", "newsletter",
		"title", title,
		"status", n.Status(),
		"sent", n.SentCount(),
		"failed", n.FailedCount(),
		"total", n.TotalRecipients(),
	)
	snap := n.Snapshot(isNew)
	return &snap, nil
}

func (s *Service) create(ctx context.Context, title string, req SendRequest) (*domain.Newsletter, error) {
	recipients, err := s.recipients(ctx, req.Test)
	if err != nil {
		return nil, err
	}
	n, err := domain.NewNewsletterAt(title, req.Subject, req.PreviewText, req.HTML, recipients, s.now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, n); err != nil {
		if errors.Is(err, ErrDuplicateCampaign) {
			return nil, fmt.Errorf("%w: %w", ErrCampaignBusy, err)
		}
		return nil, fmt.Errorf("save newsletter: %w", err)
	}
	s.recorder.CampaignCreated(title, n.TotalRecipients())
	logger.Info("newsletter created", "component", "newsletter", "title", title, "recipients", n.TotalRecipients())
	return n, nil
}

// run processes batches sequentially. Each batch is persisted before the
// next one is fetched, and a held lock is renewed after every batch, so a
// single batch has to finish within the lock TTL.
func (s *Service) run(ctx context.Context, n *domain.Newsletter, lock distlock.DistLock) error {
	tpl := n.Template()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("send newsletter %q: %w", n.Title(), err)
		}
		batch := n.NextBatch(s.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}

		results, err := s.sender.SendBatch(ctx, batch, tpl)
		if err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
		results = batchResults(batch, results)
		n.ProcessBatch(results)
		if err := s.store.Update(ctx, n); err != nil {
			return fmt.Errorf("update newsletter: %w", err)
		}

		sent, failed := 0, 0
		for _, r := range results {
			if r.Success {
				sent++
			} else {
				failed++
			}
		}
		s.recorder.BatchProcessed(n.Title(), sent, failed)
		logger.Debug("batch processed", "component", "newsletter", "title", n.Title(), "sent", sent, "failed", failed)

		if n.Status() == domain.CampaignFailed {
			return nil
		}
		if lock != nil {
			if err := lock.Extend(ctx); err != nil {
				if errors.Is(err, distlock.ErrNotOwner) {
					logger.Warn("newsletter lock lost", "component", "newsletter", "title", n.Title(), "error", err)
					return fmt.Errorf("%w: lock lost during send", ErrCampaignBusy)
				}
				return fmt.Errorf("extend newsletter lock: %w", err)
			}
		}
	}
}

// batchResults keeps one result per batch recipient. Results for addresses
// outside the batch are dropped and unreported recipients are marked failed,
// so every pass moves each recipient out of pending.
func batchResults(batch []domain.Recipient, results []domain.DeliveryResult) []domain.DeliveryResult {
	inBatch := make(map[string]bool, len(batch))
	for _, r := range batch {
		inBatch[r.Email] = true
	}
	kept := make([]domain.DeliveryResult, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	for _, r := range results {
		email := domain.NormalizeEmail(r.Email)
		if !inBatch[email] || seen[email] {
			continue
		}
		seen[email] = true
		kept = append(kept, r)
	}
	return sending.FillMissing(batch, kept)
}

func (s *Service) recipients(ctx context.Context, test bool) ([]domain.Recipient, error) {
	contacts, err := s.contacts.FindAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}

	if test {
		email := domain.NormalizeEmail(s.cfg.TestEmail)
		key := testUnsubscribe
		for _, c := range contacts {
			if domain.NormalizeEmail(c.Email) == email {
				key = c.UnsubscribeKey
				break
			}
		}
		return []domain.Recipient{s.recipient(email, key)}, nil
	}

	out := make([]domain.Recipient, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, s.recipient(c.Email, c.UnsubscribeKey))
	}
	return out, nil
}

func (s *Service) recipient(email, key string) domain.Recipient {
	return domain.Recipient{
		Email: email,
		TemplateData: map[string]string{
			"email":           email,
			"unsubscribe_key": key,
			"unsubscribe_url": s.unsubscribeURL(key),
		},
	}
}

func (s *Service) unsubscribeURL(key string) string {
	if s.cfg.UnsubscribeURL == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.UnsubscribeURL, "/") + "/" + key
}

func (s *Service) release(ctx context.Context, lock distlock.DistLock, title string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		logger.Warn("release newsletter lock", "component", "newsletter", "title", title, "error", err)
	}
}

// GetNewsletterProgress returns the progress of the campaign with the given
// title, or nil if no such campaign exists. It never mutates state.
func (s *Service) GetNewsletterProgress(ctx context.Context, title string) (*domain.ProgressSnapshot, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil
	}
	n, err := s.store.FindByTitle(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("find newsletter: %w", err)
	}
	if n == nil {
		return nil, nil
	}
	snap := n.Snapshot(false)
	return &snap, nil
}

// Progress is GetNewsletterProgress under the name the poller expects.
func (s *Service) Progress(ctx context.Context, title string) (*domain.ProgressSnapshot, error) {
	return s.GetNewsletterProgress(ctx, title)
}

// ListTitles returns every campaign title, newest first.
func (s *Service) ListTitles(ctx context.Context) ([]string, error) {
	titles, err := s.store.Titles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list newsletters: %w", err)
	}
	return titles, nil
}
