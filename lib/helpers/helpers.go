package helpers

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func EscapeHTML(text string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return replacer.Replace(text)
}

// FormatUSD renders a dollar amount with thousand separators, picking a
// sensible number of decimals for the magnitude.
func FormatUSD(price float64) string {
	decimals := 2
	if price >= 1000 {
		decimals = 0
	} else if price < 0.01 {
		decimals = 6
	}

	p := message.NewPrinter(language.English)
	return p.Sprintf("%.*f", decimals, price)
}

// FormatSats renders a satoshi amount with thousand separators.
func FormatSats(sats float64) string {
	return humanize.Comma(int64(math.Round(sats)))
}

// FormatBTC renders a satoshi amount as BTC.
func FormatBTC(sats float64) string {
	return fmt.Sprintf("%.8f", sats/1e8)
}

// FormatPercent renders a percentage with an explicit sign for gains.
func FormatPercent(value float64) string {
	if value >= 0 {
		return fmt.Sprintf("+%.2f%%", value)
	}
	return fmt.Sprintf("%.2f%%", value)
}

// FormatWindow renders a minute window as "2h" / "90min".
func FormatWindow(minutes int) string {
	if minutes >= 60 && minutes%60 == 0 {
		return fmt.Sprintf("%dh", minutes/60)
	}
	return fmt.Sprintf("%dmin", minutes)
}
