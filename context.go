package reactor

import (
	"fmt"
	"time"
)

// Context is the processor's configuration record, per SPEC_FULL.md §3.
// It is validated once at construction (see Validate) and is immutable
// thereafter; nothing in this package mutates a Context after a
// Processor has been created from it.
type Context struct {
	Name string `yaml:"name"`

	SenderChannel   string `yaml:"sender_channel"`
	ReceiverChannel string `yaml:"receiver_channel"`

	StreamID               int32 `yaml:"stream_id"`
	ErrorStreamID          int32 `yaml:"error_stream_id"`
	ServiceRequestStreamID int32 `yaml:"service_request_stream_id"`

	RingBufferSize int `yaml:"ring_buffer_size"`

	PublicationRetry         time.Duration `yaml:"publication_retry"`
	PublicationLingerTimeout time.Duration `yaml:"publication_linger_timeout"`

	AutoCancel          bool `yaml:"auto_cancel"`
	MultiPublishers     bool `yaml:"multi_publishers"`
	LaunchEmbeddedDriver bool `yaml:"launch_embedded_driver"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

// DefaultContext returns a Context with every field set to the
// documented default, per SPEC_FULL.md §6 ("every field has a
// documented default").
func DefaultContext() Context {
	return Context{
		Name:                     "reactor",
		SenderChannel:            "aeron:ipc",
		ReceiverChannel:          "aeron:ipc",
		StreamID:                 10,
		ErrorStreamID:            11,
		ServiceRequestStreamID:   12,
		RingBufferSize:           256,
		PublicationRetry:         5 * time.Millisecond,
		PublicationLingerTimeout: 5 * time.Second,
		AutoCancel:               true,
		MultiPublishers:          false,
		LaunchEmbeddedDriver:     true,
		HeartbeatInterval:        1 * time.Second,
		HeartbeatTimeout:         5 * time.Second,
	}
}

// Validate checks the Context's invariants: distinct, non-negative
// stream ids, positive sizes and timeouts. It is called once by
// Create/Share and never again.
func (c Context) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("reactor: Context.Name must not be empty")
	}
	if c.SenderChannel == "" || c.ReceiverChannel == "" {
		return fmt.Errorf("reactor: Context sender/receiver channel must not be empty")
	}
	if c.StreamID < 0 || c.ErrorStreamID < 0 || c.ServiceRequestStreamID < 0 {
		return fmt.Errorf("reactor: Context stream ids must not be negative")
	}
	if c.StreamID == c.ErrorStreamID || c.StreamID == c.ServiceRequestStreamID || c.ErrorStreamID == c.ServiceRequestStreamID {
		return fmt.Errorf("reactor: Context stream ids must be distinct")
	}
	if c.RingBufferSize <= 0 {
		return fmt.Errorf("reactor: Context.RingBufferSize must be positive")
	}
	if c.PublicationRetry <= 0 {
		return fmt.Errorf("reactor: Context.PublicationRetry must be positive")
	}
	if c.PublicationLingerTimeout <= 0 {
		return fmt.Errorf("reactor: Context.PublicationLingerTimeout must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("reactor: Context heartbeat interval/timeout must be positive")
	}
	return nil
}
