// Package sentry wires error monitoring into the process. Events are
// sanitized before leaving the machine: entity payloads, tokens, and home
// directory paths never reach the Sentry backend.
package sentry

import (
	"fmt"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/logger"
)

// Client wraps an isolated Sentry hub
type Client struct {
	hub         *sentry.Hub
	config      *config.SentryConfig
	logger      *logger.Logger
	initialized bool
	version     string
	commit      string
}

// NewClient creates a Sentry client. With monitoring disabled or no DSN
// configured the client is inert and all capture calls are no-ops.
func NewClient(cfg *config.Config, version, commit string) (*Client, error) {
	client := &Client{
		config:  &cfg.Sentry,
		logger:  logger.GetLogger().WithComponent("sentry"),
		version: version,
		commit:  commit,
	}

	if err := client.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize error monitoring: %w", err)
	}

	return client, nil
}

func (c *Client) initialize() error {
	if !c.config.Enabled {
		c.logger.Info().Msg("Error monitoring disabled")
		return nil
	}

	if c.config.DSN == "" {
		c.logger.Warn().Msg("Sentry DSN not configured, monitoring disabled")
		return nil
	}

	release := c.version
	if c.commit != "" {
		release = fmt.Sprintf("%s-%s", c.version, c.commit)
	}
	if c.config.Release != "" {
		release = c.config.Release
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              c.config.DSN,
		Environment:      c.config.Environment,
		Release:          release,
		SampleRate:       c.config.SampleRate,
		Debug:            c.config.Debug,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return sanitizeEvent(event)
		},
		BeforeBreadcrumb: func(breadcrumb *sentry.Breadcrumb, hint *sentry.BreadcrumbHint) *sentry.Breadcrumb {
			return sanitizeBreadcrumb(breadcrumb)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry SDK: %w", err)
	}

	c.hub = sentry.CurrentHub().Clone()
	c.hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("app.name", "driftsync")
		scope.SetTag("app.version", c.version)
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetTag("go_version", runtime.Version())
	})

	c.initialized = true
	c.logger.Info().
		Str("environment", c.config.Environment).
		Str("release", release).
		Float64("sample_rate", c.config.SampleRate).
		Msg("Error monitoring initialized")

	return nil
}

// CaptureError reports an error with component and operation context
func (c *Client) CaptureError(err error, component, operation string, tags map[string]string) {
	if !c.initialized || err == nil {
		return
	}

	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("operation", operation)
		for key, value := range tags {
			scope.SetTag(key, SanitizeValue(value))
		}
		c.hub.CaptureException(err)
	})
}

// CaptureMessage reports a message at the given level
func (c *Client) CaptureMessage(message, level, component, operation string) {
	if !c.initialized {
		return
	}

	sentryLevel := sentry.LevelInfo
	switch level {
	case "debug":
		sentryLevel = sentry.LevelDebug
	case "warn", "warning":
		sentryLevel = sentry.LevelWarning
	case "error":
		sentryLevel = sentry.LevelError
	case "fatal":
		sentryLevel = sentry.LevelFatal
	}

	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("operation", operation)
		scope.SetLevel(sentryLevel)
		c.hub.CaptureMessage(SanitizeValue(message))
	})
}

// AddBreadcrumb records an operation breadcrumb for later events
func (c *Client) AddBreadcrumb(category, message string, data map[string]interface{}) {
	if !c.initialized {
		return
	}

	safeData := make(map[string]interface{}, len(data))
	for key, value := range data {
		if s, ok := value.(string); ok {
			safeData[key] = SanitizeValue(s)
		} else {
			safeData[key] = value
		}
	}

	c.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   SanitizeValue(message),
		Data:      safeData,
		Timestamp: time.Now(),
	}, nil)
}

// Flush flushes pending events
func (c *Client) Flush(timeout time.Duration) bool {
	if !c.initialized {
		return true
	}
	return sentry.Flush(timeout)
}

// Close flushes and shuts the client down
func (c *Client) Close() {
	if c.initialized {
		c.Flush(2 * time.Second)
		c.initialized = false
		c.logger.Info().Msg("Error monitoring closed")
	}
}

// IsEnabled returns whether monitoring is active
func (c *Client) IsEnabled() bool {
	return c.initialized
}
