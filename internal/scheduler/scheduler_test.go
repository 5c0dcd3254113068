package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"notifybot/internal/model"
	"notifybot/internal/source"
	"notifybot/internal/storage"
)

// --- mocks ---

type sentMessage struct {
	ChatID int64
	Text   string
}

type mockSender struct {
	mu        sync.Mutex
	attempted []sentMessage
	delivered []sentMessage
	failOn    func(text string) bool
}

func (m *mockSender) SendMessage(chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempted = append(m.attempted, sentMessage{ChatID: chatID, Text: text})
	if m.failOn != nil && m.failOn(text) {
		return fmt.Errorf("send failed")
	}
	m.delivered = append(m.delivered, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (m *mockSender) deliveredTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.delivered))
	for i, s := range m.delivered {
		out[i] = s.Text
	}
	return out
}

func (m *mockSender) attemptedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempted)
}

type mockResolver struct {
	gone map[int64]bool
	err  error
}

func (m *mockResolver) ResolveChat(_ context.Context, chatID int64) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return !m.gone[chatID], nil
}

type canned struct {
	statusCode int
	header     http.Header
	body       string
	err        error
}

// routedTransport answers per URL path and counts requests.
type routedTransport struct {
	mu        sync.Mutex
	responses map[string]canned
	requests  int
}

func (r *routedTransport) Do(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	r.requests++
	resp, ok := r.responses[req.URL.Host+req.URL.Path]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no canned response for %s", req.URL)
	}
	if resp.err != nil {
		return nil, resp.err
	}
	header := resp.header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: resp.statusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewBufferString(resp.body)),
	}, nil
}

func (r *routedTransport) requestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

// --- helpers ---

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestScheduler(store storage.Storage, transport source.HTTPClient, sender Sender, chats ChatResolver) *Scheduler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWithClients(store, source.NewFeedClient(transport), source.NewPool(transport), sender, chats, log)
}

func createFeedSub(t *testing.T, store storage.Storage, chatID int64, url string, watermark time.Time) model.FeedSubscription {
	t.Helper()
	sub := model.FeedSubscription{
		ChatID:       chatID,
		URL:          url,
		Title:        "DevOps Weekly",
		LastUpdateAt: watermark,
	}
	if err := store.UpsertFeedSub(context.Background(), &sub); err != nil {
		t.Fatalf("upsert feed sub: %v", err)
	}
	return sub
}

func createGithubSub(t *testing.T, store storage.Storage, chatID int64, username string, watermark time.Time) model.GithubSubscription {
	t.Helper()
	sub := model.GithubSubscription{
		ChatID:       chatID,
		Username:     username,
		Token:        "token-1",
		LastUpdateAt: watermark,
	}
	if err := store.UpsertGithubSub(context.Background(), &sub); err != nil {
		t.Fatalf("upsert github sub: %v", err)
	}
	return sub
}

const feedHost = "devops.example.com"

func feedTransport(t *testing.T) *routedTransport {
	t.Helper()
	return &routedTransport{responses: map[string]canned{
		feedHost + "/rss": {statusCode: 200, body: loadFixture(t, "../../testdata/sample.xml")},
	}}
}

// --- tests ---

func TestFeedCycleDeliversNewItemsOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := feedTransport(t)
	sender := &mockSender{}

	watermark := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	createFeedSub(t, store, 100, "https://"+feedHost+"/rss", watermark)

	s := newTestScheduler(store, transport, sender, &mockResolver{})
	if err := s.checkFeeds(ctx); err != nil {
		t.Fatalf("check feeds: %v", err)
	}

	texts := sender.deliveredTexts()
	if diff := cmp.Diff(4, len(texts)); diff != "" {
		t.Fatalf("message count mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(texts[0], "Kubernetes 1.30 released") {
		t.Errorf("first message out of order: %q", texts[0])
	}
	if !strings.Contains(texts[3], "CI pipelines at scale") {
		t.Errorf("last message out of order: %q", texts[3])
	}

	sub, err := store.FindFeedSub(ctx, 100, "https://"+feedHost+"/rss")
	if err != nil {
		t.Fatalf("find feed sub: %v", err)
	}
	wantWatermark := time.Date(2024, 3, 8, 8, 15, 0, 0, time.UTC)
	if !sub.LastUpdateAt.Equal(wantWatermark) {
		t.Errorf("watermark mismatch: want %s, got %s", wantWatermark, sub.LastUpdateAt)
	}

	// An immediate re-run with no new items on the source delivers nothing.
	if err := s.checkFeeds(ctx); err != nil {
		t.Fatalf("second check feeds: %v", err)
	}
	if diff := cmp.Diff(4, len(sender.deliveredTexts())); diff != "" {
		t.Errorf("re-run must not re-deliver (-want +got):\n%s", diff)
	}

	sub, err = store.FindFeedSub(ctx, 100, "https://"+feedHost+"/rss")
	if err != nil {
		t.Fatalf("find feed sub: %v", err)
	}
	if !sub.LastUpdateAt.Equal(wantWatermark) {
		t.Errorf("watermark must be unchanged after empty cycle, got %s", sub.LastUpdateAt)
	}
}

func TestFeedCycleZeroItemsLeavesWatermark(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &mockSender{}

	watermark := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	createFeedSub(t, store, 100, "https://"+feedHost+"/rss", watermark)

	s := newTestScheduler(store, feedTransport(t), sender, &mockResolver{})
	if err := s.checkFeeds(ctx); err != nil {
		t.Fatalf("check feeds: %v", err)
	}

	if n := len(sender.deliveredTexts()); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
	sub, err := store.FindFeedSub(ctx, 100, "https://"+feedHost+"/rss")
	if err != nil {
		t.Fatalf("find feed sub: %v", err)
	}
	if !sub.LastUpdateAt.Equal(watermark) {
		t.Errorf("watermark changed on empty cycle: %s", sub.LastUpdateAt)
	}
}

func TestFeedCycleDeletesOrphanWithoutFetching(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := feedTransport(t)
	sender := &mockSender{}

	createFeedSub(t, store, 100, "https://"+feedHost+"/rss", time.Time{})

	s := newTestScheduler(store, transport, sender, &mockResolver{gone: map[int64]bool{100: true}})
	if err := s.checkFeeds(ctx); err != nil {
		t.Fatalf("check feeds: %v", err)
	}

	subs, err := store.ListFeedSubs(ctx)
	if err != nil {
		t.Fatalf("list feed subs: %v", err)
	}
	if len(subs) != 0 {
		t.Error("orphaned subscription must be deleted")
	}
	if diff := cmp.Diff(0, transport.requestCount()); diff != "" {
		t.Errorf("orphan must not be fetched (-want +got):\n%s", diff)
	}
	if n := sender.attemptedCount(); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
}

func TestFeedCycleResolveErrorKeepsSubscription(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := feedTransport(t)

	createFeedSub(t, store, 100, "https://"+feedHost+"/rss", time.Time{})

	s := newTestScheduler(store, transport, &mockSender{}, &mockResolver{err: fmt.Errorf("transport down")})
	if err := s.checkFeeds(ctx); err != nil {
		t.Fatalf("check feeds: %v", err)
	}

	subs, err := store.ListFeedSubs(ctx)
	if err != nil {
		t.Fatalf("list feed subs: %v", err)
	}
	if len(subs) != 1 {
		t.Error("a transport error must not delete the subscription")
	}
	if diff := cmp.Diff(0, transport.requestCount()); diff != "" {
		t.Errorf("no fetch expected while chat is unresolved (-want +got):\n%s", diff)
	}
}

func TestFeedCycleOneBadFeedDoesNotStarveOthers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &mockSender{}

	transport := &routedTransport{responses: map[string]canned{
		"bad.example.com/rss": {err: io.ErrUnexpectedEOF},
		feedHost + "/rss":     {statusCode: 200, body: loadFixture(t, "../../testdata/sample.xml")},
	}}

	createFeedSub(t, store, 100, "https://bad.example.com/rss", time.Time{})
	createFeedSub(t, store, 100, "https://"+feedHost+"/rss", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	s := newTestScheduler(store, transport, sender, &mockResolver{})
	if err := s.checkFeeds(ctx); err != nil {
		t.Fatalf("check feeds: %v", err)
	}

	if diff := cmp.Diff(4, len(sender.deliveredTexts())); diff != "" {
		t.Errorf("healthy feed must still deliver (-want +got):\n%s", diff)
	}
}

func TestDispatchFailureAdvancesDeliveredPrefixOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &mockSender{failOn: func(text string) bool {
		return strings.Contains(text, "Terraform state tips")
	}}

	createFeedSub(t, store, 100, "https://"+feedHost+"/rss", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	s := newTestScheduler(store, feedTransport(t), sender, &mockResolver{})
	if err := s.checkFeeds(ctx); err != nil {
		t.Fatalf("check feeds: %v", err)
	}

	// All four items attempted, three delivered.
	if diff := cmp.Diff(4, sender.attemptedCount()); diff != "" {
		t.Errorf("attempt count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, len(sender.deliveredTexts())); diff != "" {
		t.Errorf("delivered count mismatch (-want +got):\n%s", diff)
	}

	// Watermark covers only the prefix before the failed item, so the
	// failed item is retried next cycle.
	sub, err := store.FindFeedSub(ctx, 100, "https://"+feedHost+"/rss")
	if err != nil {
		t.Fatalf("find feed sub: %v", err)
	}
	want := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	if !sub.LastUpdateAt.Equal(want) {
		t.Errorf("watermark mismatch: want %s, got %s", want, sub.LastUpdateAt)
	}
}

func TestFeedCycleFatalOnStoreFailure(t *testing.T) {
	store := newTestStore(t)
	_ = store.Close()

	s := newTestScheduler(store, feedTransport(t), &mockSender{}, &mockResolver{})
	if err := s.checkFeeds(context.Background()); err == nil {
		t.Fatal("expected fatal error when the store is unavailable")
	}
}

const githubHost = "api.github.com"

func githubTransport(t *testing.T, pollInterval string) *routedTransport {
	t.Helper()
	header := http.Header{}
	if pollInterval != "" {
		header.Set("X-Poll-Interval", pollInterval)
	}
	return &routedTransport{responses: map[string]canned{
		githubHost + "/notifications": {
			statusCode: 200,
			header:     header,
			body:       loadFixture(t, "../../testdata/notifications.json"),
		},
	}}
}

func TestGithubCycleDeliversAndHonorsRateLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := githubTransport(t, "60")
	sender := &mockSender{}

	watermark := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	createGithubSub(t, store, 100, "octocat", watermark)

	s := newTestScheduler(store, transport, sender, &mockResolver{})
	if err := s.checkGithub(ctx); err != nil {
		t.Fatalf("check github: %v", err)
	}

	texts := sender.deliveredTexts()
	if diff := cmp.Diff(2, len(texts)); diff != "" {
		t.Fatalf("message count mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(texts[0], "Fix flaky integration test") {
		t.Errorf("first message out of order: %q", texts[0])
	}

	sub, err := store.FindGithubSub(ctx, 100, "octocat")
	if err != nil {
		t.Fatalf("find github sub: %v", err)
	}
	wantWatermark := time.Date(2024, 3, 7, 11, 30, 0, 0, time.UTC)
	if !sub.LastUpdateAt.Equal(wantWatermark) {
		t.Errorf("watermark mismatch: want %s, got %s", wantWatermark, sub.LastUpdateAt)
	}

	// The X-Poll-Interval answer defers the next poll: further cycles
	// within the window must not hit the network at all.
	fetched := transport.requestCount()
	for i := 0; i < 3; i++ {
		if err := s.checkGithub(ctx); err != nil {
			t.Fatalf("rate-limited cycle: %v", err)
		}
	}
	if diff := cmp.Diff(fetched, transport.requestCount()); diff != "" {
		t.Errorf("rate-limited identity must not be fetched (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, len(sender.deliveredTexts())); diff != "" {
		t.Errorf("rate-limited cycles must not deliver (-want +got):\n%s", diff)
	}
}

func TestGithubCycleAuthErrorKeepsSubscription(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := &routedTransport{responses: map[string]canned{
		githubHost + "/notifications": {statusCode: 401},
	}}
	sender := &mockSender{}

	watermark := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	createGithubSub(t, store, 100, "octocat", watermark)

	s := newTestScheduler(store, transport, sender, &mockResolver{})
	if err := s.checkGithub(ctx); err != nil {
		t.Fatalf("check github: %v", err)
	}

	if n := sender.attemptedCount(); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
	sub, err := store.FindGithubSub(ctx, 100, "octocat")
	if err != nil {
		t.Fatal("subscription must survive an auth failure")
	}
	if !sub.LastUpdateAt.Equal(watermark) {
		t.Errorf("watermark must be unchanged, got %s", sub.LastUpdateAt)
	}
}

func TestGithubCycleDeletesOrphan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transport := githubTransport(t, "")

	createGithubSub(t, store, 100, "octocat", time.Time{})

	s := newTestScheduler(store, transport, &mockSender{}, &mockResolver{gone: map[int64]bool{100: true}})
	if err := s.checkGithub(ctx); err != nil {
		t.Fatalf("check github: %v", err)
	}

	subs, err := store.ListGithubSubs(ctx)
	if err != nil {
		t.Fatalf("list github subs: %v", err)
	}
	if len(subs) != 0 {
		t.Error("orphaned subscription must be deleted")
	}
	if diff := cmp.Diff(0, transport.requestCount()); diff != "" {
		t.Errorf("orphan must not be fetched (-want +got):\n%s", diff)
	}
}

func TestReminderCycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &mockSender{}

	now := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)

	due := model.Reminder{ChatID: 100, Username: "alice", Message: "stand-up", RemindAt: now.Add(-time.Minute)}
	future := model.Reminder{ChatID: 100, Username: "bob", Message: "deploy", RemindAt: now.Add(time.Hour)}
	for _, r := range []*model.Reminder{&due, &future} {
		if err := store.CreateReminder(ctx, r); err != nil {
			t.Fatalf("create reminder: %v", err)
		}
	}

	s := newTestScheduler(store, feedTransport(t), sender, &mockResolver{})
	s.now = func() time.Time { return now }

	if err := s.checkReminders(ctx); err != nil {
		t.Fatalf("check reminders: %v", err)
	}

	texts := sender.deliveredTexts()
	if diff := cmp.Diff([]string{"@alice: stand-up"}, texts); diff != "" {
		t.Errorf("reminder messages mismatch (-want +got):\n%s", diff)
	}

	// The delivered reminder is gone, the future one stays.
	remaining, err := store.ListDueReminders(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("list due reminders: %v", err)
	}
	if diff := cmp.Diff(1, len(remaining)); diff != "" {
		t.Fatalf("remaining reminders mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("deploy", remaining[0].Message); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestReminderCycleKeepsUndelivered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &mockSender{failOn: func(string) bool { return true }}

	now := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	due := model.Reminder{ChatID: 100, Username: "alice", Message: "stand-up", RemindAt: now.Add(-time.Minute)}
	if err := store.CreateReminder(ctx, &due); err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	s := newTestScheduler(store, feedTransport(t), sender, &mockResolver{})
	s.now = func() time.Time { return now }

	if err := s.checkReminders(ctx); err != nil {
		t.Fatalf("check reminders: %v", err)
	}

	remaining, err := store.ListDueReminders(ctx, now)
	if err != nil {
		t.Fatalf("list due reminders: %v", err)
	}
	if diff := cmp.Diff(1, len(remaining)); diff != "" {
		t.Errorf("undelivered reminder must stay queued (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := newTestStore(t)

	s := newTestScheduler(store, feedTransport(t), &mockSender{}, &mockResolver{})
	s.SetIntervals(10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
