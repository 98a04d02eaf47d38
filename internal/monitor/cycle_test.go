package monitor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"labmon/internal/notify"
	"labmon/internal/portal"
	"labmon/internal/storage"
	logx "labmon/pkg/logx"
)

// fakeStore is an in-memory storage.Store for monitor tests.
type fakeStore struct {
	mu   sync.Mutex
	rows map[int64]storage.Patient
}

func newFakeStore(patients ...storage.Patient) *fakeStore {
	s := &fakeStore{rows: map[int64]storage.Patient{}}
	for _, p := range patients {
		s.rows[p.TelegramID] = p
	}
	return s
}

func (s *fakeStore) ListActive(context.Context) ([]storage.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Patient
	for _, p := range s.rows {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, id int64) (storage.Patient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	return p, ok, nil
}

func (s *fakeStore) Upsert(_ context.Context, p storage.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Active = true
	s.rows[p.TelegramID] = p
	return nil
}

func (s *fakeStore) Deactivate(_ context.Context, id int64) (bool, error) {
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

func (s *fakeStore) SetStatus(_ context.Context, id int64, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return nil
	}
	p.LastStatus = status
	p.LastCheck = at
	s.rows[id] = p
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) row(t *testing.T, id int64) storage.Patient {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		t.Fatalf("patient %d missing", id)
	}
	return p
}

// fakeDeliverer records deliveries; sendErr (when set) fails SendReport.
type fakeDeliverer struct {
	mu      sync.Mutex
	reports map[int64][][]byte
	notices map[int64][]string
	sendErr error
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{reports: map[int64][][]byte{}, notices: map[int64][]string{}}
}

func (d *fakeDeliverer) SendReport(_ context.Context, chatID int64, doc *portal.Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.reports[chatID] = append(d.reports[chatID], append([]byte(nil), doc.Data...))
	return nil
}

func (d *fakeDeliverer) SendNotice(_ context.Context, chatID int64, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices[chatID] = append(d.notices[chatID], text)
	return nil
}

func (d *fakeDeliverer) reportCount(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reports[id])
}

func (d *fakeDeliverer) noticeCount(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.notices[id])
}

var reportPDF = []byte("%PDF-1.4 monitor test report")

const readyResults = `<html><body>
<table>
	<tr><th>Exame</th><th>Status</th></tr>
	<tr style="background-color:#8ff08f"><td>Hemograma</td><td>Liberado</td></tr>
	<tr style="background-color:#8ff08f"><td>Glicose</td><td>Liberado</td></tr>
	<tr><td><a href="/get_laudo?id=5">Visualizar Laudo</a></td></tr>
</table>
</body></html>`

const pendingResults = `<html><body>
<table>
	<tr style="background-color:#8ff08f"><td>Hemograma</td><td>Liberado</td></tr>
	<tr><td>Glicose</td><td>Em análise</td></tr>
</table>
</body></html>`

// labServer simulates the portal: form login with a password check, a
// results page and a report endpoint that serves an HTML wrapper with the
// PDF embedded inline.
func labServer(t *testing.T, password, results string) *portal.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /acesso_paciente", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<form action="/acesso_paciente" method="post">
			<input type="text" name="identificacao"><input type="password" name="senha">
		</form>`)
	})
	mux.HandleFunc("POST /acesso_paciente", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("senha") != password {
			fmt.Fprint(w, `<html><body><form>login</form><p>entrar: senha incorreta</p></body></html>`)
			return
		}
		http.Redirect(w, r, "/painel", http.StatusFound)
	})
	mux.HandleFunc("GET /painel", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, results)
	})
	mux.HandleFunc("GET /get_laudo", func(w http.ResponseWriter, _ *http.Request) {
		enc := base64.StdEncoding.EncodeToString(reportPDF)
		fmt.Fprint(w, `<html><body><object type="application/pdf"><param id="base64-param" value="`+enc+`"></object></body></html>`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	pc, err := portal.New(portal.Config{BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("portal.New: %v", err)
	}
	return pc
}

func patient(id int64, password string) storage.Patient {
	return storage.Patient{
		TelegramID: id,
		Username:   fmt.Sprintf("user-%d", id),
		Password:   password,
		Active:     true,
		CreatedAt:  time.Now(),
	}
}

func TestCycleDeliversAndDeregisters(t *testing.T) {
	pc := labServer(t, "good", readyResults)
	store := newFakeStore(patient(100, "good"))
	del := newFakeDeliverer()
	cycle := NewCycle(pc, store, del, logx.Nop())

	out := cycle.Run(context.Background(), store.row(t, 100))
	if out.State != StateDeregistered {
		t.Fatalf("state = %q, err = %v", out.State, out.Err)
	}
	if out.Status != "results delivered" {
		t.Fatalf("status = %q", out.Status)
	}
	if n := del.reportCount(100); n != 1 {
		t.Fatalf("reports = %d, want 1", n)
	}
	del.mu.Lock()
	got := del.reports[100][0]
	del.mu.Unlock()
	if !bytes.Equal(got, reportPDF) {
		t.Fatalf("delivered bytes differ from the portal document")
	}

	row := store.row(t, 100)
	if row.Active {
		t.Fatal("patient must be deregistered after delivery")
	}
	if row.LastStatus != "results delivered" {
		t.Fatalf("last_status = %q", row.LastStatus)
	}
	if row.LastCheck.IsZero() {
		t.Fatal("last_check not recorded")
	}
}

func TestCycleNotReadyKeepsMonitoring(t *testing.T) {
	pc := labServer(t, "good", pendingResults)
	store := newFakeStore(patient(101, "good"))
	del := newFakeDeliverer()
	cycle := NewCycle(pc, store, del, logx.Nop())

	out := cycle.Run(context.Background(), store.row(t, 101))
	if out.State != StateNotReady {
		t.Fatalf("state = %q, err = %v", out.State, out.Err)
	}
	if out.Status != "results pending (1/2 ready)" {
		t.Fatalf("status = %q", out.Status)
	}
	if n := del.reportCount(101); n != 0 {
		t.Fatalf("reports = %d, want 0", n)
	}
	if !store.row(t, 101).Active {
		t.Fatal("patient must stay active while results are pending")
	}
}

func TestCycleLoginFailureNotifiesOncePerTransition(t *testing.T) {
	pc := labServer(t, "good", readyResults)
	store := newFakeStore(patient(102, "wrong"))
	del := newFakeDeliverer()
	cycle := NewCycle(pc, store, del, logx.Nop())

	out := cycle.Run(context.Background(), store.row(t, 102))
	if out.State != StateFailed {
		t.Fatalf("state = %q", out.State)
	}
	if out.Status != "login failed" {
		t.Fatalf("status = %q", out.Status)
	}
	if n := del.noticeCount(102); n != 1 {
		t.Fatalf("notices = %d, want 1", n)
	}
	if !store.row(t, 102).Active {
		t.Fatal("auth failure must not deregister the patient")
	}

	// Second pass with the recorded status: same failure, no repeat notice.
	out = cycle.Run(context.Background(), store.row(t, 102))
	if out.Status != "login failed" {
		t.Fatalf("status = %q", out.Status)
	}
	if n := del.noticeCount(102); n != 1 {
		t.Fatalf("notices = %d, want 1 (no repeat on same status)", n)
	}
}

func TestCycleDeliveryFailureKeepsPatientActive(t *testing.T) {
	pc := labServer(t, "good", readyResults)
	store := newFakeStore(patient(103, "good"))
	del := newFakeDeliverer()
	del.sendErr = &notify.DeliveryError{Op: "document", Err: fmt.Errorf("flood control")}
	cycle := NewCycle(pc, store, del, logx.Nop())

	out := cycle.Run(context.Background(), store.row(t, 103))
	if out.State != StateFailed {
		t.Fatalf("state = %q", out.State)
	}
	if out.Status != "delivery failed" {
		t.Fatalf("status = %q", out.Status)
	}
	if !store.row(t, 103).Active {
		t.Fatal("failed delivery must leave the patient registered for retry")
	}

	// Retry succeeds and deregisters.
	del.mu.Lock()
	del.sendErr = nil
	del.mu.Unlock()
	out = cycle.Run(context.Background(), store.row(t, 103))
	if out.State != StateDeregistered {
		t.Fatalf("retry state = %q, err = %v", out.State, out.Err)
	}
	if store.row(t, 103).Active {
		t.Fatal("patient must be deregistered after the successful retry")
	}
}

func TestCyclePortalErrorIsTransient(t *testing.T) {
	var hits atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("GET /acesso_paciente", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<form action="/acesso_paciente" method="post">
			<input type="text" name="identificacao"><input type="password" name="senha">
		</form>`)
	})
	mux.HandleFunc("POST /acesso_paciente", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/painel", http.StatusFound)
	})
	mux.HandleFunc("GET /painel", func(w http.ResponseWriter, _ *http.Request) {
		// First hit is the login landing; the results re-fetch blows up.
		if hits.Add(1) > 1 {
			http.Error(w, "gateway timeout", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `<html><body>resultados</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	pc, err := portal.New(portal.Config{BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("portal.New: %v", err)
	}

	store := newFakeStore(patient(104, "good"))
	del := newFakeDeliverer()
	cycle := NewCycle(pc, store, del, logx.Nop())

	out := cycle.Run(context.Background(), store.row(t, 104))
	if out.State != StateFailed {
		t.Fatalf("state = %q", out.State)
	}
	if out.Status != "portal fetch failed" {
		t.Fatalf("status = %q", out.Status)
	}
	if !store.row(t, 104).Active {
		t.Fatal("transient portal error must not deregister the patient")
	}
}

// ctxWriteStore refuses writes once the caller's context is dead, the way a
// real database driver does.
type ctxWriteStore struct {
	*fakeStore
}

func (s *ctxWriteStore) Deactivate(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.fakeStore.Deactivate(ctx, id)
}

func (s *ctxWriteStore) SetStatus(ctx context.Context, id int64, status string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.SetStatus(ctx, id, status, at)
}

// cancelAfterSend cancels the cycle context right after a successful send,
// as a per-user timeout or a shutdown mid-delivery would.
type cancelAfterSend struct {
	*fakeDeliverer
	cancel context.CancelFunc
}

func (d *cancelAfterSend) SendReport(ctx context.Context, chatID int64, doc *portal.Document) error {
	err := d.fakeDeliverer.SendReport(ctx, chatID, doc)
	d.cancel()
	return err
}

func TestCycleDeregistersWhenContextDiesAfterSend(t *testing.T) {
	pc := labServer(t, "good", readyResults)
	store := &ctxWriteStore{newFakeStore(patient(105, "good"))}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	del := &cancelAfterSend{fakeDeliverer: newFakeDeliverer(), cancel: cancel}
	cycle := NewCycle(pc, store, del, logx.Nop())

	out := cycle.Run(ctx, store.row(t, 105))
	if out.State != StateDeregistered {
		t.Fatalf("state = %q, want %q", out.State, StateDeregistered)
	}
	if store.row(t, 105).Active {
		t.Fatal("patient must be deregistered once the send is confirmed")
	}

	// The next pass must not see the account, so the document is sent once.
	active, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active accounts = %d, want 0", len(active))
	}
	if n := del.reportCount(105); n != 1 {
		t.Fatalf("reports = %d, want exactly 1", n)
	}
}
