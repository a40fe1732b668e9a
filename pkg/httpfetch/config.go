package httpfetch

import "time"

// Config holds the downloader settings.
type Config struct {
	// Timeout bounds a single download, including reading the body.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxConcurrent is the number of normal and low priority downloads
	// that may run at once. High priority downloads are not counted.
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
	// MaxBodyBytes rejects responses larger than this. Zero disables the check.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// MaxPixels is the budget ScaleDownLargeImages scales to.
	MaxPixels int `mapstructure:"max_pixels"`
	// ValidatorTTL is how long ETag/Last-Modified validators are remembered.
	ValidatorTTL   time.Duration `mapstructure:"validator_ttl"`
	ValidatorItems uint64        `mapstructure:"validator_items"`
	// ProgressiveInterval throttles partial decodes.
	ProgressiveInterval time.Duration `mapstructure:"progressive_interval"`
	UserAgent           string        `mapstructure:"user_agent"`
}

// DefaultConfig returns the settings used for any zero field.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		MaxConcurrent:       8,
		MaxBodyBytes:        20 << 20,
		MaxPixels:           4096 * 4096,
		ValidatorTTL:        time.Hour,
		ValidatorItems:      1024,
		ProgressiveInterval: 100 * time.Millisecond,
		UserAgent:           "go-imageflow/1.0",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxPixels <= 0 {
		c.MaxPixels = def.MaxPixels
	}
	if c.ValidatorTTL <= 0 {
		c.ValidatorTTL = def.ValidatorTTL
	}
	if c.ValidatorItems == 0 {
		c.ValidatorItems = def.ValidatorItems
	}
	if c.ProgressiveInterval <= 0 {
		c.ProgressiveInterval = def.ProgressiveInterval
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	return c
}
