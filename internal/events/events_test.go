package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_FiltersBySubject(t *testing.T) {
	m := &Memory{}
	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, SubjectOrphanDetected, map[string]string{"symbol": "TSLA"}))
	require.NoError(t, m.Publish(ctx, SubjectOverride, map[string]string{"operator": "ops"}))

	assert.Len(t, m.Events(""), 2)
	assert.Len(t, m.Events(SubjectOverride), 1)
}

func TestEncode(t *testing.T) {
	raw, err := encode(SubjectOrderStatus, map[string]string{"client_order_id": "c-1"})
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, SubjectOrderStatus, env["subject"])
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := &NATSPublisher{prefix: "tradecore"}
	assert.Equal(t, "tradecore.orders.status", p.Subject(SubjectOrderStatus))
	assert.Equal(t, "orders.status", (&NATSPublisher{}).Subject(SubjectOrderStatus))
}
