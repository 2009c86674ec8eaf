package nats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 假设本地 NATS 运行在默认端口, 不可用时跳过
func TestPublisher_Publish(t *testing.T) {
	p, err := NewPublisher(nats.DefaultURL, "publisher-test")
	if err != nil {
		t.Skipf("skipping test; nats not available: %v", err)
	}
	defer p.Close()

	sub, err := nats.Connect(nats.DefaultURL)
	require.NoError(t, err)
	defer sub.Close()

	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("fund_profit_events.test", ch)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	require.NoError(t, p.Publish("fund_profit_events.test", map[string]any{"record_id": 7}))
	require.NoError(t, p.Flush(time.Second))

	select {
	case msg := <-ch:
		var got map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, float64(7), got["record_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestPublisher_MarshalError(t *testing.T) {
	p, err := NewPublisher(nats.DefaultURL, "publisher-test")
	if err != nil {
		t.Skipf("skipping test; nats not available: %v", err)
	}
	defer p.Close()

	err = p.Publish("x", make(chan int))
	assert.ErrorContains(t, err, "marshal x")
}
