package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-broker/internal/models"
)

type fakePusher struct {
	pushes []pushed
}

type pushed struct {
	userID int
	msg    models.UIMessage
}

func (f *fakePusher) PushToUI(userID int, msg models.UIMessage) {
	f.pushes = append(f.pushes, pushed{userID, msg})
}

func TestBus_AccountUpdatedPushesTypedFrame(t *testing.T) {
	pusher := &fakePusher{}
	bus := NewBus(pusher)

	bus.AccountUpdated(7, models.AccountStats{Balance: 100})

	require.Len(t, pusher.pushes, 1)
	assert.Equal(t, 7, pusher.pushes[0].userID)
	assert.Equal(t, models.UIAccountUpdate, pusher.pushes[0].msg.Type)
}

func TestBus_MasterStatusChangeFansOutToEveryFollower(t *testing.T) {
	pusher := &fakePusher{}
	bus := NewBus(pusher)

	bus.MasterStatusChange([]int{1, 2, 3}, 99, true)

	require.Len(t, pusher.pushes, 3)
	for _, p := range pusher.pushes {
		assert.Equal(t, models.UIMasterStatusChange, p.msg.Type)
	}
}

func TestBus_MarginWarningIncludesLevel(t *testing.T) {
	pusher := &fakePusher{}
	bus := NewBus(pusher)

	bus.MarginWarning(3, 42.5)

	require.Len(t, pusher.pushes, 1)
	data, ok := pusher.pushes[0].msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 42.5, data["margin_level"])
}
