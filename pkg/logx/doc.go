// Package logx provides the structured logging service used across the bot.
//
// It wraps zerolog behind a small Logger/Field API so call sites stay stable
// while sinks (console, file, Telegram) can be reconfigured at runtime via
// Service.Apply.
package logx
