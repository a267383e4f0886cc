package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"copytrade-broker/internal/models"
)

func TestResolveFollowerVolume_NoConnectionAppliesPercentageOnly(t *testing.T) {
	follow := models.Follow{CopyPercentage: 50, MaxRiskPerTrade: 2}
	vol := ResolveFollowerVolume(1.0, follow, nil, 1.1000)
	assert.Equal(t, 0.5, vol)
}

func TestResolveFollowerVolume_DisconnectedFollowerSkipsRiskClamp(t *testing.T) {
	follow := models.Follow{CopyPercentage: 100, MaxRiskPerTrade: 1}
	conn := &models.MT5Connection{IsConnected: false, Equity: 1000}
	vol := ResolveFollowerVolume(2.0, follow, conn, 1.1000)
	assert.Equal(t, 2.0, vol)
}

func TestResolveFollowerVolume_ClampsToRiskBudget(t *testing.T) {
	follow := models.Follow{CopyPercentage: 100, MaxRiskPerTrade: 1}
	conn := &models.MT5Connection{IsConnected: true, Equity: 1000}
	// risk budget = 1000 * 1% = 10; at openPrice 100, max size by risk = 0.1
	vol := ResolveFollowerVolume(5.0, follow, conn, 100)
	assert.Equal(t, 0.1, vol)
}

func TestResolveFollowerVolume_UnderRiskBudgetUsesProposed(t *testing.T) {
	follow := models.Follow{CopyPercentage: 50, MaxRiskPerTrade: 10}
	conn := &models.MT5Connection{IsConnected: true, Equity: 100000}
	vol := ResolveFollowerVolume(1.0, follow, conn, 1.1000)
	assert.Equal(t, 0.5, vol)
}

func TestResolveFollowerVolume_ZeroOpenPriceSkipsClamp(t *testing.T) {
	follow := models.Follow{CopyPercentage: 100, MaxRiskPerTrade: 1}
	conn := &models.MT5Connection{IsConnected: true, Equity: 1000}
	vol := ResolveFollowerVolume(3.0, follow, conn, 0)
	assert.Equal(t, 3.0, vol)
}
