package transport

import "time"

// defaultBaseTimeout is the unit every other timing constant is derived
// from, mirroring the single tunable the original exposes.
const defaultBaseTimeout = 2000 * time.Microsecond

// messageTimeoutFactor, pingIntervalFactor, and resendIntervalFactor are the
// multipliers applied to Config.BaseTimeout to derive the Sender/Receiver
// timing constants (SPEC_FULL.md §5).
const (
	messageTimeoutFactor = 40
	pingIntervalFactor   = 3
	resendIntervalFactor = 1
)

// defaultReceiveBurst bounds how many packets a single Dispatcher pass pulls
// off the driver, keeping one slow peer from starving the rest of the poll
// loop.
const defaultReceiveBurst = 256

// Config holds the tunables a Transport is built with. The zero value is
// not valid; rely on the defaults New applies when no Options are given.
type Config struct {
	// BaseTimeout is the unit MessageTimeout, PingInterval, and
	// ResendInterval are derived from.
	BaseTimeout time.Duration

	// MessageTimeout is how long an outbound message may go without any
	// activity before the Sender fails it.
	MessageTimeout time.Duration

	// PingInterval is how long an outbound message may go idle before the
	// Sender sends a liveness probe.
	PingInterval time.Duration

	// ResendInterval is how long an inbound message may go without a new
	// fragment before the Receiver asks for the missing range again.
	ResendInterval time.Duration

	// ReceiveBurst bounds how many packets a single poll pass pulls off the
	// driver.
	ReceiveBurst int
}

// Option configures a Transport at construction time.
type Option func(*Config)

// WithBaseTimeout overrides the base timeout every other timing constant is
// derived from, unless those constants are also overridden individually.
func WithBaseTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.BaseTimeout = d
	}
}

// WithMessageTimeout overrides the Sender's failure timeout directly.
func WithMessageTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.MessageTimeout = d
	}
}

// WithPingInterval overrides the Sender's liveness-probe interval directly.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithResendInterval overrides the Receiver's resend-request interval
// directly.
func WithResendInterval(d time.Duration) Option {
	return func(c *Config) {
		c.ResendInterval = d
	}
}

// WithReceiveBurst overrides how many packets a single poll pass pulls off
// the driver.
func WithReceiveBurst(n int) Option {
	return func(c *Config) {
		c.ReceiveBurst = n
	}
}

func newConfig(opts []Option) Config {
	c := Config{BaseTimeout: defaultBaseTimeout, ReceiveBurst: defaultReceiveBurst}
	for _, opt := range opts {
		opt(&c)
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = c.BaseTimeout * messageTimeoutFactor
	}
	if c.PingInterval == 0 {
		c.PingInterval = c.BaseTimeout * pingIntervalFactor
	}
	if c.ResendInterval == 0 {
		c.ResendInterval = c.BaseTimeout * resendIntervalFactor
	}
	if c.ReceiveBurst == 0 {
		c.ReceiveBurst = defaultReceiveBurst
	}
	return c
}
