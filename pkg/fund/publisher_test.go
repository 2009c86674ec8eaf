package fund

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []*ProfitEvent
	err    error
	closed bool
}

func (p *recordingPublisher) PublishProfit(e *ProfitEvent) error {
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return p.err
}

func TestMultiPublisher(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("broker down")}
	multi := MultiPublisher{bad, ok}

	err := multi.PublishProfit(&ProfitEvent{RecordID: 1})
	assert.ErrorContains(t, err, "broker down")
	// 一个后端失败不影响其他后端
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)

	assert.Error(t, multi.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)

	assert.NoError(t, MultiPublisher{}.PublishProfit(&ProfitEvent{}))
	assert.NoError(t, NopPublisher{}.PublishProfit(&ProfitEvent{}))
}

func TestProfitEvent_Message(t *testing.T) {
	e := &ProfitEvent{EventID: EventID(ChangeTypeProfit, 9), RecordID: 9, UserID: 77, Kind: "investment", Amount: 1500}
	assert.Equal(t, TopicProfitEvents, e.Topic())
	assert.Equal(t, "77", e.Key())
	assert.Equal(t, "PROFIT_9", e.Headers()["event_id"])

	data, err := e.Value()
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "PROFIT_9", got["event_id"])
	assert.Equal(t, float64(1500), got["amount"])
}
