package monitor

import (
	"context"
	"errors"
	"time"

	"labmon/internal/notify"
	"labmon/internal/portal"
	"labmon/internal/storage"
	logx "labmon/pkg/logx"
)

// Cycle executes one account's check: login → fetch results → parse →
// (if all ready) extract report → deliver → deregister.
//
// Every session, result set and document it touches is private to the
// invocation; only the patient row in the store is shared state.
type Cycle struct {
	portal  *portal.Client
	store   storage.Store
	deliver Deliverer
	log     logx.Logger
}

func NewCycle(pc *portal.Client, store storage.Store, deliver Deliverer, log logx.Logger) *Cycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cycle{portal: pc, store: store, deliver: deliver, log: log}
}

const loginFailureNotice = "❌ Login failed\n\nI couldn't log into the lab portal with your credentials. Please update them with /add."

// Run executes the cycle and records last_check/last_status. The status
// write is best-effort and never aborts the cycle outcome.
func (c *Cycle) Run(ctx context.Context, p storage.Patient) Outcome {
	out := c.run(ctx, p)

	if out.Err != nil {
		c.log.Warn("cycle failed",
			logx.Int64("chat_id", p.TelegramID),
			logx.String("status", out.Status),
			logx.Err(out.Err))
	} else {
		c.log.Info("cycle finished",
			logx.Int64("chat_id", p.TelegramID),
			logx.String("state", string(out.State)),
			logx.String("status", out.Status))
	}

	// Use a detached context so a canceled batch can still record its last
	// terminal state.
	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.store.SetStatus(sctx, p.TelegramID, out.Status, time.Now()); err != nil {
		c.log.Warn("status update failed", logx.Int64("chat_id", p.TelegramID), logx.Err(err))
	}
	return out
}

func (c *Cycle) run(ctx context.Context, p storage.Patient) Outcome {
	sess, err := c.portal.Login(ctx, p.Username, p.Password)
	if err != nil {
		// Warn the patient once per status transition, not on every pass.
		if p.LastStatus != statusFor(err) {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if nerr := c.deliver.SendNotice(nctx, p.TelegramID, loginFailureNotice); nerr != nil {
				c.log.Debug("login failure notice not sent", logx.Int64("chat_id", p.TelegramID), logx.Err(nerr))
			}
			cancel()
		}
		return Outcome{State: StateFailed, Status: statusFor(err), Err: err}
	}

	html, err := sess.FetchResults(ctx)
	if err != nil {
		return Outcome{State: StateFailed, Status: statusFor(err), Err: err}
	}

	rs, err := portal.ParseResults(html, c.portal.Rules())
	if err != nil {
		return Outcome{State: StateFailed, Status: statusFor(err), Err: err}
	}

	if !rs.AllReady() {
		return Outcome{State: StateNotReady, Status: rs.Summary()}
	}

	link, err := portal.FindReportLink(html, c.portal.Rules())
	if err != nil {
		return Outcome{State: StateFailed, Status: statusFor(err), Err: err}
	}

	doc, err := sess.FetchReport(ctx, link)
	if err != nil {
		return Outcome{State: StateFailed, Status: statusFor(err), Err: err}
	}

	if err := c.deliver.SendReport(ctx, p.TelegramID, doc); err != nil {
		// Deregistration must never precede confirmed delivery; the patient
		// stays active and the ready report is retried next pass.
		return Outcome{State: StateFailed, Status: statusFor(err), Err: err}
	}

	// Detach from the batch context: once the report is confirmed sent the
	// deregistration must land even if the cycle deadline fires or shutdown
	// cancels the batch, or the next pass would send the document again.
	dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	changed, err := c.store.Deactivate(dctx, p.TelegramID)
	if err != nil {
		c.log.Error("deactivate failed after delivery", logx.Int64("chat_id", p.TelegramID), logx.Err(err))
		return Outcome{State: StateDelivered, Status: "results delivered"}
	}
	if !changed {
		// A concurrent cycle for the same account got here first; benign.
		c.log.Debug("already deregistered", logx.Int64("chat_id", p.TelegramID))
	}
	return Outcome{State: StateDeregistered, Status: "results delivered"}
}

// statusFor maps the error taxonomy onto short last_status strings.
func statusFor(err error) string {
	var (
		authErr    *portal.AuthError
		fetchErr   *portal.FetchError
		parseErr   *portal.ParseError
		extractErr *portal.ExtractError
		delivErr   *notify.DeliveryError
	)
	switch {
	case errors.As(err, &authErr):
		return "login failed"
	case errors.As(err, &fetchErr):
		return "portal fetch failed"
	case errors.As(err, &parseErr):
		return "results page unreadable"
	case errors.As(err, &extractErr):
		return "report extraction failed"
	case errors.As(err, &delivErr):
		return "delivery failed"
	default:
		return "check failed"
	}
}
