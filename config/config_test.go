package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeronio/reactor"
)

func TestFromFileEmptyPathReturnsDefaults(t *testing.T) {
	ctx, err := FromFile("")
	require.NoError(t, err)
	assert.Equal(t, reactor.DefaultContext(), ctx)
}

func TestFromReaderOverlaysYAML(t *testing.T) {
	yaml := `
name: demo
sender_channel: "aeron:udp?endpoint=localhost:40001"
receiver_channel: "aeron:udp?endpoint=localhost:40001"
stream_id: 20
error_stream_id: 21
service_request_stream_id: 22
ring_buffer_size: 64
multi_publishers: true
heartbeat_interval: 500000000
heartbeat_timeout: 2000000000
`
	ctx, err := FromReader(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "demo", ctx.Name)
	assert.Equal(t, int32(20), ctx.StreamID)
	assert.Equal(t, 64, ctx.RingBufferSize)
	assert.True(t, ctx.MultiPublishers)
	assert.Equal(t, 500*time.Millisecond, ctx.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, ctx.HeartbeatTimeout)

	// fields absent from the YAML keep their defaults
	assert.Equal(t, 5*time.Second, ctx.PublicationLingerTimeout)
}

func TestFromReaderNilReturnsDefaults(t *testing.T) {
	ctx, err := FromReader(nil)
	require.NoError(t, err)
	assert.Equal(t, reactor.DefaultContext(), ctx)
}

func TestFromFileMissingFileErrors(t *testing.T) {
	_, err := FromFile("/nonexistent/reactor-config.yaml")
	assert.Error(t, err)
}
