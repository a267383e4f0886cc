package engine

import (
	"copytrade-broker/internal/models"
	"copytrade-broker/internal/utils"
)

// ResolveFollowerVolume is the Open Question the source left as a bug
// (it multiplied by a volume_multiplier attribute that never existed,
// so copy sizing was always 1:1 regardless of copy_percentage). This
// implements the percentage scale the Follow row already stores, then
// clamps it to a risk budget derived from max_risk_per_trade against the
// follower's account equity — mirroring the proposedSize/MaxPositionSize
// clamp the upstream risk manager applied per-follower.
//
// When the follower has no live MT5Connection yet (never synced), the
// risk clamp is skipped and only the percentage scale applies.
func ResolveFollowerVolume(masterVolume float64, follow models.Follow, followerConn *models.MT5Connection, openPrice float64) float64 {
	proposed := masterVolume * (follow.CopyPercentage / 100.0)

	if followerConn == nil || !followerConn.IsConnected || openPrice <= 0 {
		return utils.RoundToDecimals(proposed, 2)
	}

	riskBudget := followerConn.Equity * (follow.MaxRiskPerTrade / 100.0)
	maxByRisk := riskBudget / openPrice
	if maxByRisk > 0 && proposed > maxByRisk {
		proposed = maxByRisk
	}
	return utils.RoundToDecimals(proposed, 2)
}
