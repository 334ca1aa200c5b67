package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	routingKey string
	headers    map[string]string
	err        error
}

func (p *capturePublisher) Publish(ctx context.Context, routingKey string, event interface{}, headers map[string]string) error {
	p.routingKey = routingKey
	p.headers = headers
	return p.err
}

func TestPublishEvent(t *testing.T) {
	t.Cleanup(func() { SetPublisher(nil) })

	require.NoError(t, PublishEvent(context.Background(), "ws_events.connections", EventEnvelope{}, nil))

	pub := &capturePublisher{}
	SetPublisher(pub)
	require.NoError(t, PublishEvent(context.Background(), "ws_events.connections", EventEnvelope{EventName: "ws_connect"}, BuildHeaders("r1", "t1")))
	assert.Equal(t, "ws_events.connections", pub.routingKey)
	assert.Equal(t, map[string]string{"x-request-id": "r1", "trace_id": "t1"}, pub.headers)

	pub.err = errors.New("closed")
	assert.Error(t, PublishEvent(context.Background(), "x", nil, nil))
}

func TestBuildHeadersSkipsEmpty(t *testing.T) {
	assert.Empty(t, BuildHeaders("", ""))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", IPFromRequest(req))
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "messenger-service")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, "", TraceIDFromContext(context.Background()))
}
