package api

import "time"

const (
	defaultMaxBodyBytes  = 64 * 1024
	defaultAdminTokenTTL = 30 * time.Minute
)

// Config carries the HTTP-layer settings.
type Config struct {
	// MaxBodyBytes bounds request bodies on every JSON endpoint.
	MaxBodyBytes int64

	// Admin auth. Endpoints answer 503 until all three are configured.
	AdminUsername     string
	AdminPasswordHash string
	AdminTokenSecret  string
	AdminTokenTTL     time.Duration

	// ModerationEmail receives abuse report notifications. Empty skips the
	// notification with a warning, never failing the report.
	ModerationEmail string
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.AdminTokenTTL <= 0 {
		c.AdminTokenTTL = defaultAdminTokenTTL
	}
	return c
}

// adminConfigured reports whether admin auth can work at all.
func (c Config) adminConfigured() bool {
	return c.AdminUsername != "" && c.AdminPasswordHash != "" && c.AdminTokenSecret != ""
}
