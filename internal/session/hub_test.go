package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"copytrade-broker/internal/models"
)

func TestHub_IsClientConnectedFalseForUnknownUser(t *testing.T) {
	h := NewHub(8, 0, nil)
	assert.False(t, h.IsClientConnected(99))
}

func TestHub_SendCommandFailsWithoutConnection(t *testing.T) {
	h := NewHub(8, 0, nil)
	ok := h.SendCommand(1, models.Command{})
	assert.False(t, ok)
}

func TestHub_DetachClientOnUnknownUserIsNoOp(t *testing.T) {
	h := NewHub(8, 0, nil)
	assert.NotPanics(t, func() { h.DetachClient(42, false) })
}

func TestHub_ActiveCountsStartAtZero(t *testing.T) {
	h := NewHub(8, 0, nil)
	assert.Equal(t, 0, h.ActiveClientCount())
	assert.Equal(t, 0, h.ActiveUITabCount())
}

func TestHub_PushToUIWithNoConnectionsIsNoOp(t *testing.T) {
	h := NewHub(8, 0, nil)
	assert.NotPanics(t, func() { h.PushToUI(1, models.UIMessage{Type: "x"}) })
}
