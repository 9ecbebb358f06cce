package postoffice

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrInvalidRateLimit is returned when a rate limit is set without a
// positive burst.
var ErrInvalidRateLimit = errors.New("invalid rate limit burst")

// Default configuration values.
const (
	// defaultBufferSize is the default capacity of the outgoing message channel.
	defaultBufferSize = 1024
	// defaultInboxSize is the default capacity of the incoming message channel.
	defaultInboxSize = 1024
	// defaultPollInterval bounds how long one worker iteration waits for input.
	defaultPollInterval = time.Millisecond
	// defaultMaxSendPerTick bounds how many outgoing messages one iteration encodes.
	defaultMaxSendPerTick = 128
	// defaultMaxReadsPerTick bounds how many reads one iteration performs.
	defaultMaxReadsPerTick = 64
	// defaultWriteHighWater pauses encoding while this many bytes wait to be written.
	defaultWriteHighWater = 2 * MaxMessageSize
	// defaultLinger bounds how long Close spends flushing queued output.
	defaultLinger = 250 * time.Millisecond
)

// options holds the configuration for a mailbox.
type options struct {
	logger  Logger
	metrics Metrics

	bufferSize      int           // capacity of the outgoing channel
	inboxSize       int           // capacity of the incoming channel
	maxMessageSize  int           // maximum size of a single serialized message
	pollInterval    time.Duration // wait bound of one worker iteration
	maxSendPerTick  int
	maxReadsPerTick int
	writeHighWater  int
	linger          time.Duration

	rateLimit rate.Limit // incoming messages per second, 0 disables
	rateBurst int
}

// Option is a function that configures mailbox options.
type Option func(*options)

// checkOptions validates and sets default values for mailbox options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.inboxSize <= 0 {
		opts.inboxSize = defaultInboxSize
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = MaxMessageSize
	}

	if opts.pollInterval <= 0 {
		opts.pollInterval = defaultPollInterval
	}

	if opts.maxSendPerTick <= 0 {
		opts.maxSendPerTick = defaultMaxSendPerTick
	}

	if opts.maxReadsPerTick <= 0 {
		opts.maxReadsPerTick = defaultMaxReadsPerTick
	}

	if opts.writeHighWater <= 0 {
		opts.writeHighWater = defaultWriteHighWater
	}

	if opts.linger < 0 {
		opts.linger = 0
	} else if opts.linger == 0 {
		opts.linger = defaultLinger
	}

	if opts.rateLimit > 0 && opts.rateBurst <= 0 {
		return ErrInvalidRateLimit
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.metrics == nil {
		opts.metrics = NopMetrics{}
	}

	return nil
}

// BufferSizeOption returns an Option that sets the capacity of the outgoing
// channel. Send returns ErrBufferFull once this many messages wait for the worker.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// InboxSizeOption returns an Option that sets the capacity of the incoming
// channel. When the application does not drain it, the worker stops reading
// and the peer is slowed down by the transport's own flow control.
func InboxSizeOption(size int) Option {
	return func(o *options) {
		o.inboxSize = size
	}
}

// MessageMaxSize returns an Option that sets the maximum serialized size of
// a message in both directions. Both peers must agree on it.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// PollIntervalOption returns an Option that sets how long one worker
// iteration may wait for the stream before looping.
func PollIntervalOption(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// LingerOption returns an Option that bounds how long Close keeps flushing
// queued messages. A negative value drops them immediately.
func LingerOption(d time.Duration) Option {
	return func(o *options) {
		o.linger = d
	}
}

// RateLimitOption returns an Option that limits incoming messages to limit
// per second with the given burst. A peer exceeding it is disconnected with
// ErrRateLimited.
func RateLimitOption(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.rateLimit = limit
		o.rateBurst = burst
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that sets the sink for payload and
// shutdown frame counters.
func MetricsOption(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
