package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidationErrors listing
// every problem found.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Device.ID) == "" {
		add("device.id", "must not be empty")
	}
	if c.Storage.DBPath == "" {
		add("storage.db_path", "must not be empty")
	}
	if c.Storage.BlobDir == "" {
		add("storage.blob_dir", "must not be empty")
	}

	s := c.Sync
	if s.BatchSize < 0 {
		add("sync.batch_size", "must not be negative")
	}
	if s.MaxAttempts < 0 {
		add("sync.max_attempts", "must not be negative")
	}
	if s.AttemptTimeoutMs < 0 || s.PollIntervalMs < 0 || s.BackoffBaseMs < 0 || s.BackoffMaxMs < 0 {
		add("sync", "durations must not be negative")
	}
	if s.BackoffMaxMs > 0 && s.BackoffBaseMs > s.BackoffMaxMs {
		add("sync.backoff_base_ms", "exceeds backoff_max_ms")
	}
	if s.BackoffJitter < 0 || s.BackoffJitter > 1 {
		add("sync.backoff_jitter", "must be within [0, 1]")
	}

	switch c.Remote.Kind {
	case RemoteNone, RemoteMemory:
	case RemoteHTTP:
		if u, err := url.Parse(c.Remote.URL); err != nil || u.Scheme == "" || u.Host == "" {
			add("remote.url", "must be an absolute URL for the http remote")
		}
	case RemoteDynamo:
		if c.Remote.Table == "" {
			add("remote.table", "is required for the dynamo remote")
		}
	default:
		add("remote.kind", "unknown kind %q", c.Remote.Kind)
	}

	if c.Kafka.Brokers != "" && c.Kafka.Topic == "" {
		add("kafka.topic", "is required when brokers are set")
	}
	if (c.SES.From == "") != (c.SES.To == "") {
		add("ses", "from and to must be set together")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format", "unknown format %q", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
