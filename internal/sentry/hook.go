package sentry

import (
	"github.com/rs/zerolog"
)

// ZerologHook forwards error-level log events to Sentry
type ZerologHook struct {
	client   *Client
	minLevel zerolog.Level
}

// NewZerologHook creates a hook forwarding events at or above minLevel.
// Levels below warn are never forwarded regardless of minLevel.
func NewZerologHook(client *Client, minLevel zerolog.Level) *ZerologHook {
	if minLevel < zerolog.WarnLevel {
		minLevel = zerolog.WarnLevel
	}
	return &ZerologHook{client: client, minLevel: minLevel}
}

// Run is called by zerolog for each log event
func (h *ZerologHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level < h.minLevel || !h.client.IsEnabled() {
		return
	}

	switch level {
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		h.client.CaptureMessage(msg, level.String(), "log", "")
	case zerolog.WarnLevel:
		h.client.AddBreadcrumb("log", msg, map[string]interface{}{
			"level": level.String(),
		})
	}
}
