package alert

import (
	"fmt"

	"lnmarkets-alert-bot/internal/types"
	"lnmarkets-alert-bot/lib/helpers"
)

// Message rendering for triggered alerts. All messages are Telegram HTML
// with emoji markers; the transport does not interpret the content.

func priceAboveMessage(target, current float64) string {
	return fmt.Sprintf(
		"📈 <b>Price Alert!</b>\n\nBTC is now above <b>$%s</b>\n\nCurrent: $%s",
		helpers.FormatUSD(target), helpers.FormatUSD(current))
}

func priceBelowMessage(target, current float64) string {
	return fmt.Sprintf(
		"📉 <b>Price Alert!</b>\n\nBTC is now below <b>$%s</b>\n\nCurrent: $%s",
		helpers.FormatUSD(target), helpers.FormatUSD(current))
}

func percentChangeMessage(change float64, windowMin int, current float64) string {
	emoji := "📈"
	if change < 0 {
		emoji = "📉"
	}
	return fmt.Sprintf(
		"%s <b>Price Movement Alert!</b>\n\nBTC has moved <b>%s</b> in the last %s\n\nCurrent: $%s",
		emoji, helpers.FormatPercent(change), helpers.FormatWindow(windowMin), helpers.FormatUSD(current))
}

func fundingMessage(kind types.AlertKind, target, rate float64) string {
	direction := "above"
	if kind == types.KindFundingBelow {
		direction = "below"
	}
	return fmt.Sprintf(
		"⚡ <b>Funding Alert!</b>\n\nFunding rate is now %s <b>%.4f%%</b>\n\nCurrent: %.4f%%",
		direction, target*100, rate*100)
}

func marginMessage(label string, marginPercent, target float64) string {
	return fmt.Sprintf(
		"⚠️ <b>Margin Alert!</b>\n\nYour %s margin is down to <b>%.1f%%</b> (threshold %.1f%%)\n\nConsider adding margin or closing the position.",
		label, marginPercent, target)
}

func liquidationMessage(label string, distance, liquidationPrice, current float64) string {
	return fmt.Sprintf(
		"🚨 <b>Liquidation Warning!</b>\n\nYour %s is <b>%.1f%%</b> away from liquidation at <b>$%s</b>\n\nCurrent: $%s",
		label, distance, helpers.FormatUSD(liquidationPrice), helpers.FormatUSD(current))
}

func positionLabel(p types.Position) string {
	side := "SHORT"
	if p.Side == "long" {
		side = "LONG"
	}
	return fmt.Sprintf("%s %gx position", side, p.Leverage)
}

const crossLabel = "cross margin position"
