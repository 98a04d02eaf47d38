// Package notify is the delivery channel: it pushes report documents and
// short notices to patients over the transport adapter, rate-limited so a
// large batch cannot trip Telegram's flood control.
package notify

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"labmon/internal/portal"
	kit "labmon/internal/transport"
	logx "labmon/pkg/logx"
)

// DeliveryError means the recipient channel rejected or failed to send.
type DeliveryError struct {
	Op  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery %s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Config struct {
	RatePerSec int // default 5
}

type Service struct {
	adapter kit.Adapter
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

const reportCaption = "🎉 Lab results ready!\n\nYour lab report is attached."

// SendReport delivers the report document to the patient's chat.
func (s *Service) SendReport(ctx context.Context, chatID int64, doc *portal.Document) error {
	if s.adapter == nil {
		return &DeliveryError{Op: "document", Err: errors.New("no transport configured")}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Op: "document", Err: err}
	}
	_, err := s.adapter.SendDocument(ctx, kit.ChatTarget{ChatID: chatID}, kit.DocumentFile{
		Name:    doc.Filename,
		Data:    doc.Data,
		Caption: reportCaption,
	})
	if err != nil {
		return &DeliveryError{Op: "document", Err: err}
	}
	s.log.Info("report delivered", logx.Int64("chat_id", chatID), logx.Int("bytes", len(doc.Data)))
	return nil
}

// SendNotice sends a short text notice (e.g. a login-failure warning).
func (s *Service) SendNotice(ctx context.Context, chatID int64, text string) error {
	if s.adapter == nil {
		return &DeliveryError{Op: "notice", Err: errors.New("no transport configured")}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Op: "notice", Err: err}
	}
	if _, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		return &DeliveryError{Op: "notice", Err: err}
	}
	return nil
}
