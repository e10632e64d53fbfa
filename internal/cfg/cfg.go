package cfg

import (
	"errors"
	"flag"
	"fmt"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string

	Window             string
	CloseAfter         string
	AggregateInterval  int
	AutocloseInterval  int
	FetchTimeoutSecond int

	AlertEnrich  bool
	ClaudeAPIKey string
	ClaudeModel  string

	ChannelWebhookURL string
	ChannelID         string
	SearchIndexURL    string
	APIToken          string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.Window, "window", "10min", "aggregation window label (e.g. 30s, 10min, 2h)")
	fs.StringVar(&c.CloseAfter, "close-after", "20min", "auto-close alerts with no events for this long (window label)")
	fs.IntVar(&c.AggregateInterval, "aggregate-interval-seconds", 60, "seconds between aggregation runs (1..3600)")
	fs.IntVar(&c.AutocloseInterval, "autoclose-interval-seconds", 300, "seconds between auto-close runs (1..86400)")
	fs.IntVar(&c.FetchTimeoutSecond, "fetch-timeout-seconds", 30, "per-source fetch timeout in seconds (1..300)")
	fs.BoolVar(&c.AlertEnrich, "alert-enrich", false, "enrich alerts with Claude-generated labels")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude enrichment provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use for enrichment")
	fs.StringVar(&c.ChannelWebhookURL, "channel-webhook-url", "", "webhook URL for escalation notifications (empty = disabled)")
	fs.StringVar(&c.ChannelID, "channel-id", "ops", "identifier of the webhook notification channel")
	fs.StringVar(&c.SearchIndexURL, "search-index-url", "", "base URL of the alert search index (empty = disabled)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for operator API endpoints (empty = unauthenticated)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if _, err := alert.ParseWindow(c.Window); err != nil {
		errs = append(errs, fmt.Errorf("invalid WINDOW %q: %w", c.Window, err))
	}
	if _, err := alert.ParseWindow(c.CloseAfter); err != nil {
		errs = append(errs, fmt.Errorf("invalid CLOSE_AFTER %q: %w", c.CloseAfter, err))
	}

	if c.AggregateInterval <= 0 || c.AggregateInterval > 3600 {
		errs = append(errs, fmt.Errorf("invalid AGGREGATE_INTERVAL_SECONDS %d (must be 1..3600)", c.AggregateInterval))
	}
	if c.AutocloseInterval <= 0 || c.AutocloseInterval > 86400 {
		errs = append(errs, fmt.Errorf("invalid AUTOCLOSE_INTERVAL_SECONDS %d (must be 1..86400)", c.AutocloseInterval))
	}
	if c.FetchTimeoutSecond <= 0 || c.FetchTimeoutSecond > 300 {
		errs = append(errs, fmt.Errorf("invalid FETCH_TIMEOUT_SECONDS %d (must be 1..300)", c.FetchTimeoutSecond))
	}

	// Claude credentials are only needed when enrichment is on
	if c.AlertEnrich {
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when ALERT_ENRICH is set"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when ALERT_ENRICH is set"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
