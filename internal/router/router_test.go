package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"labmon/internal/monitor"
	"labmon/internal/portal"
	"labmon/internal/storage"
	kit "labmon/internal/transport"
	logx "labmon/pkg/logx"
)

// recAdapter records outgoing messages.
type recAdapter struct {
	mu    sync.Mutex
	texts []string
	docs  []kit.DocumentFile
}

func (a *recAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recAdapter) Stop(context.Context) error                     { return nil }

func (a *recAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (a *recAdapter) SendDocument(_ context.Context, _ kit.ChatTarget, doc kit.DocumentFile) (kit.MessageRef, error) {
	a.mu.Lock()
	a.docs = append(a.docs, doc)
	a.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (a *recAdapter) lastText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.texts) == 0 {
		return ""
	}
	return a.texts[len(a.texts)-1]
}

func (a *recAdapter) textCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.texts)
}

type memStore struct {
	mu   sync.Mutex
	rows map[int64]storage.Patient
}

func newMemStore() *memStore { return &memStore{rows: map[int64]storage.Patient{}} }

func (s *memStore) ListActive(context.Context) ([]storage.Patient, error) { return nil, nil }

func (s *memStore) Get(_ context.Context, id int64) (storage.Patient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	return p, ok, nil
}

func (s *memStore) Upsert(_ context.Context, p storage.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Active = true
	s.rows[p.TelegramID] = p
	return nil
}

func (s *memStore) Deactivate(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok || !p.Active {
		return false, nil
	}
	p.Active = false
	s.rows[id] = p
	return true, nil
}

func (s *memStore) SetStatus(_ context.Context, id int64, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if ok {
		p.LastStatus = status
		p.LastCheck = at
		s.rows[id] = p
	}
	return nil
}

func (s *memStore) Close() error { return nil }

type fakePortal struct {
	loginErr error
}

func (f *fakePortal) Login(context.Context, string, string) (*portal.Session, error) {
	return nil, f.loginErr
}

type fakeMonitor struct {
	out Outcome
	err error
}

// Outcome aliases keep the fake terse.
type Outcome = monitor.Outcome

func (f *fakeMonitor) RunUser(context.Context, int64) (Outcome, error) { return f.out, f.err }
func (f *fakeMonitor) Interval() time.Duration                         { return 30 * time.Minute }
func (f *fakeMonitor) Enabled() bool                                   { return true }

type fixture struct {
	adapter *recAdapter
	store   *memStore
	portal  *fakePortal
	mon     *fakeMonitor
	updates chan kit.Update
	cancel  context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		adapter: &recAdapter{},
		store:   newMemStore(),
		portal:  &fakePortal{},
		mon:     &fakeMonitor{},
		updates: make(chan kit.Update, 16),
	}
	r := New(Config{Workers: 1}, f.adapter, f.store, f.portal, f.mon, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(cancel)
	go func() { _ = r.DispatchLoop(ctx, f.updates) }()
	return f
}

func (f *fixture) send(text string) {
	f.updates <- kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ChatID: 42,
			FromID: 42,
			Text:   text,
		},
	}
}

func (f *fixture) waitReply(t *testing.T, contains string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(f.adapter.lastText(), contains) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reply containing %q; last = %q", contains, f.adapter.lastText())
}

func TestStartAndHelp(t *testing.T) {
	f := newFixture(t)

	f.send("/start")
	f.waitReply(t, "Use /add to get started")

	f.send("/help")
	f.waitReply(t, "Available commands")
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	f.send("/frobnicate")
	f.waitReply(t, "Unknown command")
}

func TestPlainTextWithoutPending(t *testing.T) {
	f := newFixture(t)
	f.send("hello there")
	f.waitReply(t, "Use /help")
}

func TestAddCredentialsFlow(t *testing.T) {
	f := newFixture(t)

	f.send("/add")
	f.waitReply(t, "username password")

	f.send("12345678 ABC123DEF")
	f.waitReply(t, "Credentials saved")

	p, ok, _ := f.store.Get(context.Background(), 42)
	if !ok || !p.Active {
		t.Fatalf("row = %+v, ok = %v", p, ok)
	}
	if p.Username != "12345678" || p.Password != "ABC123DEF" {
		t.Fatalf("credentials = %q/%q", p.Username, p.Password)
	}
}

func TestAddInlineArguments(t *testing.T) {
	f := newFixture(t)
	f.send("/add 999 secret")
	f.waitReply(t, "Credentials saved")
	if _, ok, _ := f.store.Get(context.Background(), 42); !ok {
		t.Fatal("credentials not stored")
	}
}

func TestAddRejectedCredentials(t *testing.T) {
	f := newFixture(t)
	f.portal.loginErr = &portal.AuthError{Reason: "credentials rejected"}

	f.send("/add 12345678 nope")
	f.waitReply(t, "Login failed")

	if _, ok, _ := f.store.Get(context.Background(), 42); ok {
		t.Fatal("rejected credentials must not be stored")
	}
}

func TestAddMalformedCredentialsReprompts(t *testing.T) {
	f := newFixture(t)
	f.send("/add")
	f.waitReply(t, "username password")
	n := f.adapter.textCount()

	f.send("just-one-token")
	deadline := time.Now().Add(3 * time.Second)
	for f.adapter.textCount() < n+1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.adapter.textCount() != n+1 {
		t.Fatalf("texts = %d, want %d (single re-prompt)", f.adapter.textCount(), n+1)
	}
	if !strings.Contains(f.adapter.lastText(), "username password") {
		t.Fatalf("re-prompt missing: %q", f.adapter.lastText())
	}

	// Still pending: a well-formed message now completes the flow.
	f.send("u p")
	f.waitReply(t, "Credentials saved")
}

func TestRemove(t *testing.T) {
	f := newFixture(t)

	f.send("/remove")
	f.waitReply(t, "No credentials found")

	_ = f.store.Upsert(context.Background(), storage.Patient{TelegramID: 42, Username: "u", Password: "p"})
	f.send("/remove")
	f.waitReply(t, "have been removed")

	p, _, _ := f.store.Get(context.Background(), 42)
	if p.Active {
		t.Fatal("row still active after /remove")
	}
}

func TestCheckOutcomes(t *testing.T) {
	cases := []struct {
		name  string
		out   Outcome
		err   error
		reply string
	}{
		{
			name:  "not registered",
			err:   monitor.ErrNotActive,
			reply: "No credentials found",
		},
		{
			name:  "delivered and deregistered",
			out:   Outcome{State: monitor.StateDeregistered, Status: "results delivered"},
			reply: "Results delivered",
		},
		{
			name:  "not ready",
			out:   Outcome{State: monitor.StateNotReady, Status: "results pending (1/3 ready)"},
			reply: "Not ready yet (results pending (1/3 ready))",
		},
		{
			name:  "failed",
			out:   Outcome{State: monitor.StateFailed, Status: "portal fetch failed"},
			reply: "Check failed: portal fetch failed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.mon.out = tc.out
			f.mon.err = tc.err
			f.send("/check")
			f.waitReply(t, tc.reply)
		})
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	f.send("/status")
	f.waitReply(t, "No credentials found")

	_ = f.store.Upsert(context.Background(), storage.Patient{TelegramID: 42, Username: "u-77", Password: "p"})
	_ = f.store.SetStatus(context.Background(), 42, "results pending (0/2 ready)", time.Now())

	f.send("/status")
	f.waitReply(t, "Username: u-77")
	if !strings.Contains(f.adapter.lastText(), "results pending (0/2 ready)") {
		t.Fatalf("status reply missing last status: %q", f.adapter.lastText())
	}
	if !strings.Contains(f.adapter.lastText(), "every 30 minutes") {
		t.Fatalf("status reply missing interval: %q", f.adapter.lastText())
	}
}

func TestCommandWithBotSuffix(t *testing.T) {
	f := newFixture(t)
	f.send("/help@labmon_bot")
	f.waitReply(t, "Available commands")
}

func TestFormatInterval(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "30 minutes"},
		{time.Minute, "minute"},
		{30 * time.Minute, "30 minutes"},
		{time.Hour, "hour"},
		{2 * time.Hour, "2 hours"},
		{90 * time.Minute, "90 minutes"},
	}
	for _, tc := range cases {
		if got := formatInterval(tc.d); got != tc.want {
			t.Fatalf("formatInterval(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
