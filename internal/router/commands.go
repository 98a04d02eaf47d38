package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"labmon/internal/monitor"
	"labmon/internal/portal"
	"labmon/internal/storage"
	kit "labmon/internal/transport"
	logx "labmon/pkg/logx"
)

const welcomeText = `🧪 Lab Results Monitor

I watch your lab results portal and send you the report the moment every result is ready.

Commands:
/add - Add your portal credentials
/remove - Remove your credentials
/check - Check results now
/status - Show your monitoring status
/help - Show this help message

Use /add to get started!`

const helpText = `Available commands:

/add - Add your portal credentials
/remove - Remove your stored credentials
/check - Check your results immediately
/status - Show your monitoring status
/help - Show this help message

How it works:
1. Use /add to store your portal credentials
2. I check your results on a schedule
3. When every result is ready you get the report here, once

Your credentials are stored only to check your results, and monitoring stops automatically after delivery.`

const credentialsPrompt = "Send your credentials as one message:\n\nusername password\n\nExample: 12345678 ABC123DEF"

func (r *Router) reply(ctx context.Context, req *request, text string) error {
	_, err := r.adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Router) cmdStart(ctx context.Context, req *request) error {
	return r.reply(ctx, req, welcomeText)
}

func (r *Router) cmdHelp(ctx context.Context, req *request) error {
	return r.reply(ctx, req, helpText)
}

func (r *Router) cmdAdd(ctx context.Context, req *request) error {
	// Credentials inline with the command also work: /add user pass.
	if len(req.Args) >= 2 {
		return r.saveCredentials(ctx, req, req.Args[0], strings.Join(req.Args[1:], " "))
	}
	r.setPending(req.FromID, true)
	return r.reply(ctx, req, credentialsPrompt)
}

// handleText consumes plain messages. Only meaningful while the user
// owes us credentials after /add.
func (r *Router) handleText(ctx context.Context, req *request, text string) error {
	if !r.isPending(req.FromID) {
		return r.reply(ctx, req, "Use /help to see available commands.")
	}

	parts := strings.Fields(text)
	if len(parts) != 2 {
		return r.reply(ctx, req, credentialsPrompt)
	}
	r.setPending(req.FromID, false)
	return r.saveCredentials(ctx, req, parts[0], parts[1])
}

func (r *Router) saveCredentials(ctx context.Context, req *request, username, password string) error {
	if err := r.reply(ctx, req, "Testing your credentials..."); err != nil {
		return err
	}

	if _, err := r.portal.Login(ctx, username, password); err != nil {
		var ae *portal.AuthError
		if errors.As(err, &ae) {
			return r.reply(ctx, req, "❌ Login failed. Check your credentials and try /add again.")
		}
		req.Log.Warn("credential validation failed", logx.Err(err))
		return r.reply(ctx, req, "❌ Could not reach the portal to verify your credentials. Try again later.")
	}

	now := time.Now().UTC()
	p := storage.Patient{
		TelegramID: req.FromID,
		Username:   username,
		Password:   password,
		Active:     true,
		CreatedAt:  now,
	}
	if err := r.store.Upsert(ctx, p); err != nil {
		req.Log.Error("save credentials failed", logx.Err(err))
		return r.reply(ctx, req, "❌ Failed to save credentials. Please try again.")
	}

	req.Log.Info("credentials registered")
	return r.reply(ctx, req, "✅ Credentials saved!\nI'll check your results every "+formatInterval(r.mon.Interval())+" and send the report here when everything is ready.")
}

func (r *Router) cmdRemove(ctx context.Context, req *request) error {
	r.setPending(req.FromID, false)
	changed, err := r.store.Deactivate(ctx, req.FromID)
	if err != nil {
		req.Log.Error("remove failed", logx.Err(err))
		return r.reply(ctx, req, "❌ Something went wrong. Please try again.")
	}
	if !changed {
		return r.reply(ctx, req, "❌ No credentials found to remove.")
	}
	req.Log.Info("credentials removed")
	return r.reply(ctx, req, "✅ Your credentials have been removed. You'll no longer receive notifications.")
}

func (r *Router) cmdCheck(ctx context.Context, req *request) error {
	if err := r.reply(ctx, req, "🔍 Checking your results..."); err != nil {
		return err
	}

	out, err := r.mon.RunUser(ctx, req.FromID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotActive) {
			return r.reply(ctx, req, "❌ No credentials found. Use /add to add your credentials first.")
		}
		req.Log.Error("on-demand check failed", logx.Err(err))
		return r.reply(ctx, req, "❌ Error checking results. Please try again later.")
	}

	switch out.State {
	case monitor.StateDeregistered:
		// The report itself was already sent by the check.
		return r.reply(ctx, req, "✅ Results delivered! You've been removed from automatic monitoring. Use /add again when you have new results to watch.")
	case monitor.StateDelivered:
		return r.reply(ctx, req, "✅ Results delivered! I'll tidy up your monitoring entry shortly.")
	case monitor.StateNotReady:
		return r.reply(ctx, req, "⏳ Not ready yet ("+out.Status+"). I'll keep monitoring and notify you when everything is available.")
	default:
		return r.reply(ctx, req, "❌ Check failed: "+out.Status+". I'll retry on the next scheduled run.")
	}
}

func (r *Router) cmdStatus(ctx context.Context, req *request) error {
	p, ok, err := r.store.Get(ctx, req.FromID)
	if err != nil {
		req.Log.Error("status lookup failed", logx.Err(err))
		return r.reply(ctx, req, "❌ Something went wrong. Please try again.")
	}
	if !ok || !p.Active {
		return r.reply(ctx, req, "❌ No credentials found. Use /add to add your credentials first.")
	}

	lastCheck := "never"
	if !p.LastCheck.IsZero() {
		lastCheck = p.LastCheck.Local().Format("2006-01-02 15:04")
	}
	lastStatus := p.LastStatus
	if lastStatus == "" {
		lastStatus = "not checked yet"
	}

	var b strings.Builder
	b.WriteString("📊 Monitoring status\n\n")
	fmt.Fprintf(&b, "Username: %s\n", p.Username)
	fmt.Fprintf(&b, "Last check: %s\n", lastCheck)
	fmt.Fprintf(&b, "Status: %s\n\n", lastStatus)
	if r.mon.Enabled() {
		fmt.Fprintf(&b, "I check your results every %s automatically.", formatInterval(r.mon.Interval()))
	} else {
		b.WriteString("Automatic checks are currently disabled; use /check to run one manually.")
	}
	return r.reply(ctx, req, b.String())
}

func (r *Router) setPending(id int64, on bool) {
	r.pendingMu.Lock()
	if on {
		r.pending[id] = struct{}{}
	} else {
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()
}

func (r *Router) isPending(id int64) bool {
	r.pendingMu.Lock()
	_, ok := r.pending[id]
	r.pendingMu.Unlock()
	return ok
}

func formatInterval(d time.Duration) string {
	if d <= 0 {
		return "30 minutes"
	}
	if d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
	m := int(d / time.Minute)
	if m == 1 {
		return "minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
