// Package router dispatches incoming chat commands to handlers.
//
// Every update is handled on a bounded worker pool so one slow portal
// round-trip (for /check or credential validation) never stalls the
// dispatch loop for other users.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"labmon/internal/monitor"
	"labmon/internal/portal"
	rtsup "labmon/internal/runtime/supervisor"
	"labmon/internal/storage"
	kit "labmon/internal/transport"
	logx "labmon/pkg/logx"
)

// PortalPort is the slice of the portal client the router needs:
// credential validation on /add.
type PortalPort interface {
	Login(ctx context.Context, username, password string) (*portal.Session, error)
}

// MonitorPort exposes the monitor operations behind /check and /status.
type MonitorPort interface {
	RunUser(ctx context.Context, telegramID int64) (monitor.Outcome, error)
	Interval() time.Duration
	Enabled() bool
}

type Config struct {
	// CommandTimeout bounds a single handler run, including portal
	// round-trips. Zero means the default.
	CommandTimeout time.Duration

	// Workers is the handler pool size. Zero means the default.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 3 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

type handlerFunc func(ctx context.Context, req *request) error

type request struct {
	Chat   kit.ChatTarget
	FromID int64
	Args   []string
	Log    logx.Logger
}

type Router struct {
	cfg     Config
	log     logx.Logger
	adapter kit.Adapter
	store   storage.Store
	portal  PortalPort
	mon     MonitorPort

	handlers map[string]handlerFunc

	// pending tracks users who ran /add and owe us a credentials message.
	pendingMu sync.Mutex
	pending   map[int64]struct{}

	jobs chan func()

	runMu   sync.Mutex
	running bool
}

func New(cfg Config, adapter kit.Adapter, store storage.Store, pc PortalPort, mon MonitorPort, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cfg:     cfg.withDefaults(),
		log:     log,
		adapter: adapter,
		store:   store,
		portal:  pc,
		mon:     mon,
		pending: map[int64]struct{}{},
		jobs:    make(chan func(), 128),
	}
	r.handlers = map[string]handlerFunc{
		"start":  r.cmdStart,
		"help":   r.cmdHelp,
		"add":    r.cmdAdd,
		"remove": r.cmdRemove,
		"check":  r.cmdCheck,
		"status": r.cmdStatus,
	}
	return r
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
// It blocks; run it under the app supervisor.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = true
	r.runMu.Unlock()

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart0("command.worker."+strconv.Itoa(idx), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command handler",
									logx.Int("worker", idx),
									logx.Any("panic", rec),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
		)
	}

	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) routeUpdate(root context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	chat := kit.ChatTarget{ChatID: msg.ChatID}

	if !strings.HasPrefix(text, "/") {
		r.enqueue(root, chat, msg.FromID, func(ctx context.Context, req *request) error {
			return r.handleText(ctx, req, text)
		}, nil, "text")
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)

	h, ok := r.handlers[word]
	if !ok {
		_, _ = r.adapter.SendText(root, chat, "Unknown command. Use /help to see available commands.", nil)
		return
	}
	r.enqueue(root, chat, msg.FromID, h, parts[1:], word)
}

func (r *Router) enqueue(root context.Context, chat kit.ChatTarget, fromID int64, h handlerFunc, args []string, name string) {
	rid := newReqID()
	req := &request{
		Chat:   chat,
		FromID: fromID,
		Args:   args,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("from_id", fromID),
			logx.String("cmd", name),
		),
	}

	job := func() {
		ctx, cancel := context.WithTimeout(root, r.cfg.CommandTimeout)
		defer cancel()
		start := time.Now()
		err := h(ctx, req)
		if err != nil {
			req.Log.Warn("command failed", logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		req.Log.Debug("command handled", logx.Duration("took", time.Since(start)))
	}

	select {
	case r.jobs <- job:
	default:
		_, _ = r.adapter.SendText(root, chat, "Busy, please try again in a moment.", nil)
	}
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
