package notifications

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyDataRehashed(t *testing.T) {
	n := NewCacheNotifier("test")

	var events []DataRehashedEvent
	n.RegisterDataRehashed(func(ev DataRehashedEvent) {
		events = append(events, ev)
	})

	n.NotifyDataRehashed(nil, nil, 5, true)
	n.NotifyDataRehashed(nil, nil, 5, false)

	assert.Len(t, events, 2)
	assert.True(t, events[0].IsPre)
	assert.False(t, events[1].IsPre)
	assert.EqualValues(t, 5, events[0].TopologyID)
}
