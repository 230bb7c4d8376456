package newsletter_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/pkg/distlock"
	"github.com/ignite/newsletter-engine/internal/service/newsletter"
	"github.com/ignite/newsletter-engine/internal/service/sending"
)

// memStore persists campaigns the way a real store does: as records that are
// rebuilt through domain.RestoreNewsletter on every read.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]memRow
	updates int
}

type memRow struct {
	rec        domain.NewsletterRecord
	recipients []domain.Recipient
	deliveries []domain.Delivery
	seq        int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]memRow)}
}

func toRow(n *domain.Newsletter) memRow {
	return memRow{
		rec: domain.NewsletterRecord{
			ID:           n.ID(),
			Title:        n.Title(),
			Subject:      n.Subject(),
			PreviewText:  n.PreviewText(),
			HTMLTemplate: n.HTMLTemplate(),
			CreatedAt:    n.CreatedAt(),
			StartedAt:    n.StartedAt(),
			CompletedAt:  n.CompletedAt(),
		},
		recipients: n.Recipients(),
		deliveries: n.Deliveries(),
	}
}

func (m *memStore) FindByTitle(_ context.Context, title string) (*domain.Newsletter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[title]
	if !ok {
		return nil, nil
	}
	return domain.RestoreNewsletter(row.rec, row.recipients, row.deliveries)
}

func (m *memStore) Save(_ context.Context, n *domain.Newsletter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[n.Title()]; ok {
		return newsletter.ErrDuplicateCampaign
	}
	n.SetID(fmt.Sprintf("nl-%d", len(m.rows)+1))
	row := toRow(n)
	row.seq = len(m.rows)
	m.rows[n.Title()] = row
	return nil
}

func (m *memStore) Update(_ context.Context, n *domain.Newsletter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.rows[n.Title()]
	if !ok {
		return newsletter.ErrNotFound
	}
	row := toRow(n)
	row.seq = old.seq
	m.rows[n.Title()] = row
	m.updates++
	return nil
}

func (m *memStore) Titles(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]memRow, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.rec.Title
	}
	return out, nil
}

type fakeContacts struct {
	contacts []domain.Contact
	err      error
}

func (f *fakeContacts) FindAllContacts(context.Context) ([]domain.Contact, error) {
	return f.contacts, f.err
}

// fakeSender fails any address listed in reject and records every call.
// Addresses in drop get no result at all; stray results are appended as-is.
type fakeSender struct {
	mu        sync.Mutex
	reject    map[string]string
	drop      map[string]bool
	stray     []domain.DeliveryResult
	onCall    func(call int)
	err       error
	calls     [][]domain.Recipient
	templates []domain.EmailTemplate
}

func (f *fakeSender) SendBatch(_ context.Context, recipients []domain.Recipient, tpl domain.EmailTemplate) ([]domain.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, recipients)
	f.templates = append(f.templates, tpl)
	if f.onCall != nil {
		f.onCall(len(f.calls))
	}
	out := make([]domain.DeliveryResult, 0, len(recipients))
	for _, r := range recipients {
		if f.drop[r.Email] {
			continue
		}
		if msg, ok := f.reject[r.Email]; ok {
			out = append(out, domain.DeliveryResult{Email: r.Email, Error: msg})
			continue
		}
		out = append(out, domain.DeliveryResult{Email: r.Email, Success: true})
	}
	return append(out, f.stray...), nil
}

func (f *fakeSender) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		for _, r := range c {
			out = append(out, r.Email)
		}
	}
	return out
}

type fakeRecorder struct {
	created  int
	batches  int
	finished []domain.CampaignStatus
}

func (r *fakeRecorder) CampaignCreated(string, int)     { r.created++ }
func (r *fakeRecorder) BatchProcessed(string, int, int) { r.batches++ }
func (r *fakeRecorder) RunFinished(_ string, s domain.CampaignStatus) {
	r.finished = append(r.finished, s)
}

const html = `<p>Hello {{email}}</p><a href="{{ unsubscribe_url }}">unsubscribe</a>`

func contacts(emails ...string) *fakeContacts {
	f := &fakeContacts{}
	for i, e := range emails {
		f.contacts = append(f.contacts, domain.Contact{Email: e, UnsubscribeKey: fmt.Sprintf("key-%d", i)})
	}
	return f
}

func request(title string) newsletter.SendRequest {
	return newsletter.SendRequest{Title: title, Subject: "Issue", PreviewText: "preview", HTML: html}
}

func newService(store newsletter.Store, dir newsletter.ContactDirectory, sender *fakeSender, opts ...newsletter.Option) *newsletter.Service {
	return newsletter.NewService(store, dir, sender, newsletter.Config{
		BatchSize:      50,
		TestEmail:      "me@example.com",
		UnsubscribeURL: "https://example.com/unsubscribe/",
	}, opts...)
}

func TestSendNewsletter_Idempotent(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{}
	svc := newService(store, contacts("a@example.com", "b@example.com", "c@example.com"), sender)
	ctx := context.Background()

	first, err := svc.SendNewsletter(ctx, request("Issue 1"))
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if !first.IsNewCampaign || first.Status != domain.CampaignCompleted || first.ProgressPercentage != 100 {
		t.Fatalf("unexpected first snapshot: %+v", first)
	}

	second, err := svc.SendNewsletter(ctx, request("Issue 1"))
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.IsNewCampaign {
		t.Fatal("expected resumed campaign")
	}
	first.IsNewCampaign = false
	if *first != *second {
		t.Fatalf("snapshots differ: %+v vs %+v", first, second)
	}
	if got := len(sender.sentTo()); got != 3 {
		t.Fatalf("expected 3 deliveries in total, got %d", got)
	}
}

func TestSendNewsletter_ResumeRetriesOnlyFailed(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{reject: map[string]string{"b@example.com": "mailbox full"}}
	svc := newService(store, contacts("a@example.com", "b@example.com", "c@example.com"), sender)
	ctx := context.Background()

	snap, err := svc.SendNewsletter(ctx, request("Issue 2"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if snap.Status != domain.CampaignFailed || snap.ProcessedCount != 2 || !snap.HasFailures {
		t.Fatalf("unexpected snapshot after failure: %+v", snap)
	}

	sender.reject = nil
	sender.calls = nil
	snap, err = svc.SendNewsletter(ctx, request("Issue 2"))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := sender.sentTo(); len(got) != 1 || got[0] != "b@example.com" {
		t.Fatalf("expected only b to be resent, got %v", got)
	}
	if snap.Status != domain.CampaignCompleted || snap.ProcessedCount != 3 || snap.HasFailures {
		t.Fatalf("unexpected snapshot after resume: %+v", snap)
	}
}

func TestSendNewsletter_ContentImmutableOnResume(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{reject: map[string]string{"a@example.com": "rejected"}}
	svc := newService(store, contacts("a@example.com"), sender)
	ctx := context.Background()

	if _, err := svc.SendNewsletter(ctx, request("Issue 3")); err != nil {
		t.Fatalf("send: %v", err)
	}

	sender.reject = nil
	changed := request("Issue 3")
	changed.Subject = "Different"
	changed.HTML = "<p>{{ missing }}</p>"
	if _, err := svc.SendNewsletter(ctx, changed); err != nil {
		t.Fatalf("resume: %v", err)
	}

	n, _ := store.FindByTitle(ctx, "Issue 3")
	if n.Subject() != "Issue" || n.HTMLTemplate() != html {
		t.Fatalf("stored content changed: %q %q", n.Subject(), n.HTMLTemplate())
	}
	if last := sender.templates[len(sender.templates)-1]; last.Subject != "Issue" {
		t.Fatalf("resume sent with subject %q", last.Subject)
	}
}

func TestSendNewsletter_Batches(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{}
	svc := newsletter.NewService(store, contacts("a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io"), sender,
		newsletter.Config{BatchSize: 2})

	snap, err := svc.SendNewsletter(context.Background(), request("Issue 4"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.calls) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(sender.calls))
	}
	for _, c := range sender.calls {
		if len(c) > 2 {
			t.Fatalf("batch of %d exceeds size 2", len(c))
		}
	}
	if store.updates != 3 {
		t.Fatalf("expected one update per batch, got %d", store.updates)
	}
	if snap.Status != domain.CampaignCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
}

func TestSendNewsletter_StopsAfterFailedBatch(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{reject: map[string]string{"a@x.io": "bounced"}}
	svc := newsletter.NewService(store, contacts("a@x.io", "b@x.io", "c@x.io", "d@x.io"), sender,
		newsletter.Config{BatchSize: 2})

	snap, err := svc.SendNewsletter(context.Background(), request("Issue 5"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected the run to stop after the first batch, got %d calls", len(sender.calls))
	}
	if snap.Status != domain.CampaignFailed || snap.ProcessedCount != 1 || snap.TotalRecipients != 4 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSendNewsletter_EmptyDirectory(t *testing.T) {
	sender := &fakeSender{}
	svc := newService(newMemStore(), contacts(), sender)

	snap, err := svc.SendNewsletter(context.Background(), request("Issue 6"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if snap.Status != domain.CampaignCompleted || snap.ProgressPercentage != 100 || snap.TotalRecipients != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(sender.calls) != 0 {
		t.Fatal("sender must not be called for an empty campaign")
	}
}

func TestSendNewsletter_TestMode(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{}
	svc := newService(store, contacts("a@example.com", "me@example.com"), sender)
	req := request("Issue 7")
	req.Test = true

	snap, err := svc.SendNewsletter(context.Background(), req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if snap.CampaignTitle != "Issue 7 [test]" || snap.TotalRecipients != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	got := sender.calls[0][0]
	if got.Email != "me@example.com" || got.TemplateData["unsubscribe_key"] != "key-1" {
		t.Fatalf("unexpected test recipient: %+v", got)
	}
	if got.TemplateData["unsubscribe_url"] != "https://example.com/unsubscribe/key-1" {
		t.Fatalf("unexpected unsubscribe url %q", got.TemplateData["unsubscribe_url"])
	}
	if n, _ := store.FindByTitle(context.Background(), "Issue 7"); n != nil {
		t.Fatal("test send must not create the real campaign")
	}
}

func TestSendNewsletter_TestModeUnknownContact(t *testing.T) {
	sender := &fakeSender{}
	svc := newService(newMemStore(), contacts("a@example.com"), sender)
	req := request("Issue 8")
	req.Test = true

	if _, err := svc.SendNewsletter(context.Background(), req); err != nil {
		t.Fatalf("send: %v", err)
	}
	if key := sender.calls[0][0].TemplateData["unsubscribe_key"]; key != "test" {
		t.Fatalf("expected placeholder key, got %q", key)
	}
}

func TestSendNewsletter_NoTestRecipient(t *testing.T) {
	svc := newsletter.NewService(newMemStore(), contacts(), &fakeSender{}, newsletter.Config{})
	req := request("Issue 9")
	req.Test = true

	if _, err := svc.SendNewsletter(context.Background(), req); !errors.Is(err, newsletter.ErrNoTestRecipient) {
		t.Fatalf("expected ErrNoTestRecipient, got %v", err)
	}
}

func TestSendNewsletter_Validation(t *testing.T) {
	store := newMemStore()
	svc := newService(store, contacts("a@example.com"), &fakeSender{})

	if _, err := svc.SendNewsletter(context.Background(), request("  ")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for blank title, got %v", err)
	}

	req := request("Issue 10")
	req.HTML = "<p>{{ first_name }}</p>"
	if _, err := svc.SendNewsletter(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for missing placeholder, got %v", err)
	}
	if titles, _ := store.Titles(context.Background()); len(titles) != 0 {
		t.Fatalf("nothing should be persisted, got %v", titles)
	}
}

func TestSendNewsletter_SenderError(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{err: errors.New("template rejected")}
	svc := newService(store, contacts("a@example.com"), sender)

	if _, err := svc.SendNewsletter(context.Background(), request("Issue 11")); err == nil {
		t.Fatal("expected sender error")
	}
	snap, err := svc.GetNewsletterProgress(context.Background(), "Issue 11")
	if err != nil || snap == nil {
		t.Fatalf("campaign should be persisted: %v", err)
	}
	if snap.Status != domain.CampaignPending || snap.ProcessedCount != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSendNewsletter_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender := &fakeSender{}
	svc := newService(newMemStore(), contacts("a@example.com"), sender)

	if _, err := svc.SendNewsletter(ctx, request("Issue 12")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sender.calls) != 0 {
		t.Fatal("no batch should be sent after cancellation")
	}
}

func TestSendNewsletter_Busy(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	held := distlock.NewRedisLock(rdb, "Issue 13", time.Minute)
	if ok, err := held.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("pre-acquire: %v %v", ok, err)
	}

	locker := func(title string) distlock.DistLock { return distlock.NewRedisLock(rdb, title, time.Minute) }
	sender := &fakeSender{}
	svc := newService(newMemStore(), contacts("a@example.com"), sender, newsletter.WithLocker(locker))

	if _, err := svc.SendNewsletter(context.Background(), request("Issue 13")); !errors.Is(err, newsletter.ErrCampaignBusy) {
		t.Fatalf("expected ErrCampaignBusy, got %v", err)
	}

	if err := held.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := svc.SendNewsletter(context.Background(), request("Issue 13")); err != nil {
		t.Fatalf("send after release: %v", err)
	}
	if mr.Exists("newsletter-lock:Issue 13") {
		t.Fatal("lock should be released after the run")
	}
}

func newRedisLocker(t *testing.T) (*miniredis.Miniredis, *redis.Client, func(string) distlock.DistLock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb, func(title string) distlock.DistLock { return distlock.NewRedisLock(rdb, title, time.Minute) }
}

func TestSendNewsletter_LockRenewedBetweenBatches(t *testing.T) {
	mr, _, locker := newRedisLocker(t)
	sender := &fakeSender{onCall: func(int) { mr.FastForward(40 * time.Second) }}
	svc := newsletter.NewService(newMemStore(), contacts("a@example.com", "b@example.com", "c@example.com"), sender,
		newsletter.Config{BatchSize: 1}, newsletter.WithLocker(locker))

	snap, err := svc.SendNewsletter(context.Background(), request("Long Run"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if snap.Status != domain.CampaignCompleted || len(sender.calls) != 3 {
		t.Fatalf("unexpected result: %+v after %d calls", snap, len(sender.calls))
	}
}

func TestSendNewsletter_LockLostStopsRun(t *testing.T) {
	mr, rdb, locker := newRedisLocker(t)
	rival := distlock.NewRedisLock(rdb, "Expired", time.Minute)
	sender := &fakeSender{onCall: func(call int) {
		if call != 1 {
			return
		}
		mr.FastForward(2 * time.Minute)
		if ok, err := rival.Acquire(context.Background()); err != nil || !ok {
			t.Errorf("rival acquire: %v %v", ok, err)
		}
	}}
	store := newMemStore()
	svc := newsletter.NewService(store, contacts("a@example.com", "b@example.com"), sender,
		newsletter.Config{BatchSize: 1}, newsletter.WithLocker(locker))
	ctx := context.Background()

	if _, err := svc.SendNewsletter(ctx, request("Expired")); !errors.Is(err, newsletter.ErrCampaignBusy) {
		t.Fatalf("expected ErrCampaignBusy, got %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("run should stop after losing the lock, got %d calls", len(sender.calls))
	}
	if !mr.Exists("newsletter-lock:Expired") {
		t.Fatal("the rival's lock must survive the first run's release")
	}

	if err := rival.Release(ctx); err != nil {
		t.Fatalf("rival release: %v", err)
	}
	snap, err := svc.SendNewsletter(ctx, request("Expired"))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.Status != domain.CampaignCompleted {
		t.Fatalf("unexpected status %s", snap.Status)
	}
	counts := map[string]int{}
	for _, e := range sender.sentTo() {
		counts[e]++
	}
	if counts["a@example.com"] != 1 || counts["b@example.com"] != 1 {
		t.Fatalf("each recipient must be sent once, got %v", counts)
	}
}

func TestSendNewsletter_UnreportedRecipientsFail(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{drop: map[string]bool{"a@example.com": true}}
	svc := newService(store, contacts("a@example.com"), sender)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := svc.SendNewsletter(ctx, request("Spin"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if snap.Status != domain.CampaignFailed || !snap.HasFailures {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(sender.calls) != 1 || store.updates != 1 {
		t.Fatalf("expected a single pass, got %d calls and %d updates", len(sender.calls), store.updates)
	}
	n, _ := store.FindByTitle(ctx, "Spin")
	if d := n.Deliveries()[0]; d.Status != domain.DeliveryFailed || d.ErrorMessage != sending.MissingResult {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestSendNewsletter_StrayResultsIgnored(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{
		drop:  map[string]bool{"a@example.com": true},
		stray: []domain.DeliveryResult{{Email: "b@example.com", Success: true}},
	}
	svc := newsletter.NewService(store, contacts("a@example.com", "b@example.com"), sender, newsletter.Config{BatchSize: 1})

	snap, err := svc.SendNewsletter(context.Background(), request("Stray"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if snap.Status != domain.CampaignFailed || snap.ProcessedCount != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	n, _ := store.FindByTitle(context.Background(), "Stray")
	if n.PendingCount() != 1 || n.FailedCount() != 1 {
		t.Fatalf("b must stay pending: pending=%d failed=%d", n.PendingCount(), n.FailedCount())
	}
}

func TestSendNewsletter_Recorder(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{reject: map[string]string{"b@example.com": "no"}}
	svc := newService(newMemStore(), contacts("a@example.com", "b@example.com"), sender, newsletter.WithRecorder(rec))

	if _, err := svc.SendNewsletter(context.Background(), request("Issue 14")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.created != 1 || rec.batches != 1 || len(rec.finished) != 1 || rec.finished[0] != domain.CampaignFailed {
		t.Fatalf("unexpected recorder state: %+v", rec)
	}
}

func TestGetNewsletterProgress(t *testing.T) {
	store := newMemStore()
	svc := newService(store, contacts("a@example.com", "b@example.com", "c@example.com"),
		&fakeSender{reject: map[string]string{"c@example.com": "no"}})
	ctx := context.Background()

	snap, err := svc.GetNewsletterProgress(ctx, "unknown")
	if err != nil || snap != nil {
		t.Fatalf("expected nil, nil for unknown title, got %+v %v", snap, err)
	}

	if _, err := svc.SendNewsletter(ctx, request("Issue 15")); err != nil {
		t.Fatalf("send: %v", err)
	}
	snap, err = svc.Progress(ctx, "Issue 15")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if snap.ProgressPercentage != 67 || snap.IsNewCampaign || !snap.HasFailures {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestListTitles(t *testing.T) {
	store := newMemStore()
	svc := newService(store, contacts(), &fakeSender{})
	ctx := context.Background()
	for _, title := range []string{"First", "Second"} {
		if _, err := svc.SendNewsletter(ctx, request(title)); err != nil {
			t.Fatalf("send %s: %v", title, err)
		}
	}

	titles, err := svc.ListTitles(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(titles) != 2 || titles[0] != "Second" {
		t.Fatalf("unexpected titles: %v", titles)
	}
}
