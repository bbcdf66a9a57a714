package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"lnmarkets-alert-bot/internal/chart"
	"lnmarkets-alert-bot/internal/database"
	"lnmarkets-alert-bot/internal/feed"
	"lnmarkets-alert-bot/internal/lnmarkets"
	"lnmarkets-alert-bot/internal/types"
	"lnmarkets-alert-bot/lib/helpers"
	"lnmarkets-alert-bot/lib/translation"
)

var marketFeed *feed.Feed

// NewBot creates new telegram bot
func NewBot(c BotConfig, f *feed.Feed) (*Bot, error) {
	bot, err := tgbotapi.NewBotAPI(c.Token)
	if err != nil {
		return nil, errors.Wrap(err, "could not create telegram bot")
	}

	bot.Debug = c.Debug
	marketFeed = f

	return &Bot{
		Bot:    bot,
		Config: c,
	}, nil
}

// GetUpdatesChannel gets new updates
func (b *Bot) GetUpdatesChannel() (tgbotapi.UpdatesChannel, error) {
	updatesConfig := tgbotapi.NewUpdate(0)
	if b.Config.UpdatesTimeout > 0 {
		updatesConfig.Timeout = b.Config.UpdatesTimeout
	}
	return b.Bot.GetUpdatesChan(updatesConfig), nil
}

// SendMessage sends a telegram message
func (b *Bot) SendMessage(m Message) error {
	msg := tgbotapi.NewMessage(m.ChatID, m.Text)
	msg.ReplyToMessageID = m.MessageID
	msg.DisableWebPagePreview = true
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.Bot.Send(msg)
	return errors.Wrapf(err, "could not send message to chat %d", m.ChatID)
}

// Send delivers a rendered alert message. This is the engine's notifier
// contract.
func (b *Bot) Send(chatID int64, text string) error {
	return b.SendMessage(Message{ChatID: chatID, Text: text})
}

// HandleUpdate processes Telegram updates and returns the reply text.
func (b *Bot) HandleUpdate(u tgbotapi.Update) string {
	m := u.Message
	log.Debugf("received command: %s", m.Command())

	username := ""
	if m.From != nil {
		username = m.From.UserName
	}
	if err := database.EnsureUser(m.Chat.ID, username); err != nil {
		log.Errorf("❌ Failed to register user %d: %v", m.Chat.ID, err)
	}

	switch m.Command() {
	case "start", "help":
		return helpMessage()
	case "price":
		return commandPrice()
	case "funding":
		return commandFunding()
	case "alert":
		return commandAlert(m)
	case "alerts":
		b.sendAlertList(m.Chat.ID)
		return ""
	case "cancel":
		return commandCancel(m)
	case "connect":
		return b.commandConnect(m)
	case "disconnect":
		return commandDisconnect(m.Chat.ID)
	case "status":
		return b.commandStatus(m.Chat.ID)
	case "margin":
		return commandPrivateAlert(m, types.KindMarginBelow)
	case "liquidation":
		return commandPrivateAlert(m, types.KindLiquidationDistance)
	case "chart":
		b.sendChart(m)
		return ""
	}

	return helpMessage()
}

func helpMessage() string {
	return translation.Translate(
		"📟 <b>LN Markets Alert Bot</b>\n\n" +
			"<b>Market:</b>\n" +
			"/price - current BTC price\n" +
			"/funding - current funding rate\n" +
			"/chart - 24h price chart\n\n" +
			"<b>Alerts:</b>\n" +
			"/alert above 100000 - price alert\n" +
			"/alert below 90000 repeat - repeating price alert\n" +
			"/alert change -5 60 - % move over a window (minutes)\n" +
			"/alert funding above 0.0005 - funding alert\n" +
			"/alerts - list and cancel your alerts\n\n" +
			"<b>Account (after /connect):</b>\n" +
			"/status - balance and open positions\n" +
			"/margin 50 - margin threshold alert\n" +
			"/liquidation 10 - liquidation distance alert\n" +
			"/disconnect - remove your API credentials")
}

func commandPrice() string {
	tick, ok := marketFeed.CurrentTicker()
	if !ok {
		return translation.Translate("Price not available yet, try again in a few seconds.")
	}
	return fmt.Sprintf(
		"💵 <b>BTC: $%s</b>\n\nBid: $%s | Ask: $%s\n24h High: $%s | Low: $%s",
		helpers.FormatUSD(tick.LastPrice),
		helpers.FormatUSD(tick.Bid), helpers.FormatUSD(tick.Ask),
		helpers.FormatUSD(tick.High24h), helpers.FormatUSD(tick.Low24h))
}

func commandFunding() string {
	funding, ok := marketFeed.CurrentFunding()
	if !ok {
		return translation.Translate("Funding rate not available yet, try again in a few seconds.")
	}
	return fmt.Sprintf(
		"⚡ <b>Funding rate: %.4f%%</b>\n\nNext funding: %s",
		funding.Rate*100, funding.NextFundingTime.UTC().Format("15:04 UTC"))
}

func commandAlert(m *tgbotapi.Message) string {
	args := strings.Fields(m.CommandArguments())
	if len(args) == 0 {
		return "🔔 <b>Alert usage:</b>\n\n" +
			"/alert above 100000 [repeat]\n" +
			"/alert below 90000 [repeat]\n" +
			"/alert change -5 [window minutes] [repeat]\n" +
			"/alert funding above 0.0005 [repeat]"
	}

	repeating := false
	if args[len(args)-1] == "repeat" {
		repeating = true
		args = args[:len(args)-1]
	}

	switch args[0] {
	case "above", "below":
		if len(args) < 2 {
			return translation.Translate("Missing target price.")
		}
		target, err := strconv.ParseFloat(args[1], 64)
		if err != nil || target <= 0 {
			return translation.Translate("Invalid target price.")
		}
		kind := types.KindPriceAbove
		if args[0] == "below" {
			kind = types.KindPriceBelow
		}
		return createAlert(m.Chat.ID, types.Alert{Kind: kind, TargetValue: target, Repeating: repeating},
			fmt.Sprintf("🔔 Price alert set: BTC %s <b>$%s</b>", args[0], helpers.FormatUSD(target)), repeating)

	case "change":
		if len(args) < 2 {
			return translation.Translate("Missing target percentage.")
		}
		target, err := strconv.ParseFloat(args[1], 64)
		if err != nil || target == 0 {
			return translation.Translate("Invalid percentage: use a non-zero number, negative for drops.")
		}
		window := 60
		if len(args) >= 3 {
			window, err = strconv.Atoi(args[2])
			if err != nil || window <= 0 || window > 24*60 {
				return translation.Translate("Invalid window: use minutes between 1 and 1440.")
			}
		}
		return createAlert(m.Chat.ID,
			types.Alert{Kind: types.KindPercentChange, TargetValue: target, TimeWindowMin: window, Repeating: repeating},
			fmt.Sprintf("🔔 Movement alert set: <b>%s</b> within %s",
				helpers.FormatPercent(target), helpers.FormatWindow(window)), repeating)

	case "funding":
		if len(args) < 3 || (args[1] != "above" && args[1] != "below") {
			return translation.Translate("Usage: /alert funding above|below RATE")
		}
		target, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return translation.Translate("Invalid funding rate.")
		}
		kind := types.KindFundingAbove
		if args[1] == "below" {
			kind = types.KindFundingBelow
		}
		return createAlert(m.Chat.ID, types.Alert{Kind: kind, TargetValue: target, Repeating: repeating},
			fmt.Sprintf("🔔 Funding alert set: rate %s <b>%.4f%%</b>", args[1], target*100), repeating)
	}

	return translation.Translate("Unknown alert type. Use /alert to see the syntax.")
}

func commandPrivateAlert(m *tgbotapi.Message, kind types.AlertKind) string {
	user, err := database.GetUser(m.Chat.ID)
	if err != nil {
		log.Errorf("❌ Failed to load user %d: %v", m.Chat.ID, err)
		return translation.Translate("Something went wrong, please try again.")
	}
	if user == nil || user.Credentials == nil {
		return "🔒 This feature requires connecting your LN Markets account.\n\nUse /connect to link your API credentials."
	}

	args := strings.Fields(m.CommandArguments())
	if len(args) == 0 {
		if kind == types.KindMarginBelow {
			return "⚠️ <b>Margin Alerts</b>\n\nGet notified when your margin drops below a threshold.\n\n" +
				"/margin 50 - alert when margin drops below 50%\n/margin 30 repeat - repeating alert at 30%"
		}
		return "🚨 <b>Liquidation Distance Alerts</b>\n\nGet notified when price approaches your liquidation level.\n\n" +
			"/liquidation 10 - alert when liquidation is 10% away\n/liquidation 5 repeat - repeating alert at 5%"
	}

	threshold, err := strconv.ParseFloat(args[0], 64)
	if err != nil || threshold <= 0 || threshold > 100 {
		return translation.Translate("Invalid percentage. Please enter a number between 1-100.")
	}
	repeating := len(args) > 1 && args[1] == "repeat"

	var confirmation string
	if kind == types.KindMarginBelow {
		confirmation = fmt.Sprintf("⚠️ <b>Margin alert set!</b>\n\nYou'll be notified when any position's margin drops below <b>%.0f%%</b>", threshold)
	} else {
		confirmation = fmt.Sprintf("🚨 <b>Liquidation alert set!</b>\n\nYou'll be notified when any position is within <b>%.0f%%</b> of liquidation", threshold)
	}
	return createAlert(m.Chat.ID, types.Alert{Kind: kind, TargetValue: threshold, Repeating: repeating}, confirmation, repeating)
}

func createAlert(chatID int64, a types.Alert, confirmation string, repeating bool) string {
	a.ChatID = chatID
	if _, err := database.InsertAlert(a); err != nil {
		log.Errorf("❌ Failed to insert alert for chat %d: %v", chatID, err)
		return translation.Translate("Could not save the alert, please try again.")
	}
	if repeating {
		confirmation += "\n🔁 Repeating"
	}
	return confirmation
}

// sendAlertList replies with the caller's active alerts and inline
// cancel buttons.
func (b *Bot) sendAlertList(chatID int64) {
	alerts, err := database.ActiveAlertsForChat(chatID)
	if err != nil {
		log.Errorf("❌ Failed to list alerts for chat %d: %v", chatID, err)
		return
	}
	if len(alerts) == 0 {
		_ = b.Send(chatID, translation.Translate("You have no active alerts. Use /alert to create one."))
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	text := "🔔 <b>Your active alerts:</b>\n"
	for _, a := range alerts {
		text += fmt.Sprintf("\n#%d %s", a.ID, describeAlert(a))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("❌ Cancel #%d", a.ID),
				fmt.Sprintf("alert_cancel|%d", a.ID),
			),
		))
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.Bot.Send(msg); err != nil {
		log.Errorf("❌ Failed to send alert list: %v", err)
	}
}

func describeAlert(a types.Alert) string {
	repeat := ""
	if a.Repeating {
		repeat = " 🔁"
	}
	switch a.Kind {
	case types.KindPriceAbove:
		return fmt.Sprintf("price above $%s%s", helpers.FormatUSD(a.TargetValue), repeat)
	case types.KindPriceBelow:
		return fmt.Sprintf("price below $%s%s", helpers.FormatUSD(a.TargetValue), repeat)
	case types.KindFundingAbove:
		return fmt.Sprintf("funding above %.4f%%%s", a.TargetValue*100, repeat)
	case types.KindFundingBelow:
		return fmt.Sprintf("funding below %.4f%%%s", a.TargetValue*100, repeat)
	case types.KindPercentChange:
		return fmt.Sprintf("%s within %s%s", helpers.FormatPercent(a.TargetValue), helpers.FormatWindow(a.WindowMinutes()), repeat)
	case types.KindMarginBelow:
		return fmt.Sprintf("margin below %.0f%%%s", a.TargetValue, repeat)
	case types.KindLiquidationDistance:
		return fmt.Sprintf("liquidation within %.0f%%%s", a.TargetValue, repeat)
	}
	return string(a.Kind)
}

func commandCancel(m *tgbotapi.Message) string {
	arg := strings.TrimSpace(m.CommandArguments())
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil {
		return translation.Translate("Usage: /cancel ALERT_ID (see /alerts)")
	}
	if err := database.DeactivateAlert(id, m.Chat.ID); err != nil {
		log.Errorf("❌ Failed to cancel alert %d: %v", id, err)
		return translation.Translate("Alert not found.")
	}
	return fmt.Sprintf("✅ Alert #%d cancelled.", id)
}

// HandleCallbackQuery processes inline keyboard actions.
func (b *Bot) HandleCallbackQuery(callbackQuery *tgbotapi.CallbackQuery) {
	data := callbackQuery.Data
	chatID := callbackQuery.Message.Chat.ID

	if !strings.HasPrefix(data, "alert_cancel|") {
		return
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(data, "alert_cancel|"), 10, 64)
	if err != nil {
		b.Bot.Send(tgbotapi.NewCallback(callbackQuery.ID, translation.Translate("Invalid alert data.")))
		return
	}

	if err := database.DeactivateAlert(id, chatID); err != nil {
		log.Errorf("❌ Failed to cancel alert %d via callback: %v", id, err)
		b.Bot.Send(tgbotapi.NewCallback(callbackQuery.ID, translation.Translate("Alert not found.")))
		return
	}

	b.Bot.Send(tgbotapi.NewCallback(callbackQuery.ID, fmt.Sprintf("Alert #%d cancelled", id)))
	_ = b.Send(chatID, fmt.Sprintf("✅ Alert #%d cancelled.", id))
}

func (b *Bot) commandConnect(m *tgbotapi.Message) string {
	args := strings.Fields(m.CommandArguments())
	if len(args) < 3 {
		return "🔐 <b>Connect Your LN Markets Account</b>\n\n" +
			"<b>Usage:</b> /connect API_KEY API_SECRET PASSPHRASE\n\n" +
			"⚠️ Create a read-only API key, and delete your message after connecting.\n" +
			"🔒 Your credentials are stored encrypted and only used to check your positions."
	}

	creds := types.Credentials{Key: args[0], Secret: args[1], Passphrase: args[2]}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := lnmarkets.NewAuthenticatedClient(b.Config.APIBaseURL, creds)
	if _, err := client.GetBalance(ctx); err != nil {
		log.Debugf("credential verification failed for chat %d: %v", m.Chat.ID, err)
		return "❌ <b>Connection failed</b>\n\nCould not authenticate with LN Markets. Please check your credentials."
	}

	if err := database.SetCredentials(m.Chat.ID, creds); err != nil {
		log.Errorf("❌ Failed to store credentials for chat %d: %v", m.Chat.ID, err)
		return translation.Translate("Something went wrong, please try again.")
	}

	// Best effort: remove the message containing the plaintext keys.
	if _, err := b.Bot.Request(tgbotapi.NewDeleteMessage(m.Chat.ID, m.MessageID)); err != nil {
		log.Debugf("could not delete credentials message: %v", err)
	}

	return "✅ <b>Account connected!</b>\n\nYou now have access to:\n" +
		"/status - view your positions\n/margin - set margin alerts\n/liquidation - set liquidation alerts\n\n" +
		"🔒 Your credentials are stored securely."
}

func commandDisconnect(chatID int64) string {
	if err := database.ClearCredentials(chatID); err != nil {
		log.Errorf("❌ Failed to clear credentials for chat %d: %v", chatID, err)
		return translation.Translate("Something went wrong, please try again.")
	}
	return "✅ Account disconnected. Your API credentials have been removed.\n\nYou can still use public features like price alerts."
}

func (b *Bot) commandStatus(chatID int64) string {
	user, err := database.GetUser(chatID)
	if err != nil {
		log.Errorf("❌ Failed to load user %d: %v", chatID, err)
		return translation.Translate("Something went wrong, please try again.")
	}
	if user == nil || user.Credentials == nil {
		return "🔒 This feature requires connecting your LN Markets account.\n\nUse /connect to link your API credentials."
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := lnmarkets.NewAuthenticatedClient(b.Config.APIBaseURL, *user.Credentials)

	var (
		wg                       sync.WaitGroup
		balance                  types.Balance
		positions                []types.Position
		cross                    *types.CrossPosition
		balErr, posErr, crossErr error
	)
	wg.Add(3)
	go func() { defer wg.Done(); balance, balErr = client.GetBalance(ctx) }()
	go func() { defer wg.Done(); positions, posErr = client.GetOpenPositions(ctx) }()
	go func() { defer wg.Done(); cross, crossErr = client.GetCrossPosition(ctx) }()
	wg.Wait()

	if balErr != nil || posErr != nil || crossErr != nil {
		log.Errorf("❌ Status fetch failed for chat %d: %v %v %v", chatID, balErr, posErr, crossErr)
		return translation.Translate("Error fetching your account status, please try again.")
	}

	price, priceKnown := marketFeed.CurrentPrice()

	text := fmt.Sprintf(
		"📊 <b>Account Status</b>\n\n💰 Balance: <b>%s BTC</b>\n   (%s sats)\n📈 Available: %s sats\n",
		helpers.FormatBTC(balance.Balance), helpers.FormatSats(balance.Balance), helpers.FormatSats(balance.Available))
	if priceKnown {
		text += fmt.Sprintf("\n💵 BTC Price: $%s\n", helpers.FormatUSD(price))
	}

	if len(positions) > 0 {
		text += "\n<b>Isolated Positions:</b>\n"
		for _, pos := range positions {
			plEmoji := "🟢"
			if pos.PL < 0 {
				plEmoji = "🔴"
			}
			sideEmoji := "📉"
			if pos.Side == "long" {
				sideEmoji = "📈"
			}
			text += fmt.Sprintf(
				"\n%s <b>%s</b> %gx\n   Entry: $%s\n   Margin: %s sats\n   %s P&amp;L: %s sats (%.1f%%)\n   🚨 Liq: $%s",
				sideEmoji, strings.ToUpper(pos.Side), pos.Leverage,
				helpers.FormatUSD(pos.EntryPrice), helpers.FormatSats(pos.Margin),
				plEmoji, helpers.FormatSats(pos.PL), pos.PLPercent,
				helpers.FormatUSD(pos.LiquidationPrice))
			if priceKnown && price > 0 {
				distance := (price - pos.LiquidationPrice) / price * 100
				if distance < 0 {
					distance = -distance
				}
				text += fmt.Sprintf(" (%.1f%% away)", distance)
			}
			text += "\n"
		}
	}

	if cross != nil {
		plEmoji := "🟢"
		if cross.UnrealizedPL < 0 {
			plEmoji = "🔴"
		}
		text += fmt.Sprintf(
			"\n<b>Cross Margin:</b>\n   Margin: %s sats\n   %s Unrealized P&amp;L: %s sats\n",
			helpers.FormatSats(cross.Margin), plEmoji, helpers.FormatSats(cross.UnrealizedPL))
		if cross.LiquidationPrice > 0 {
			text += fmt.Sprintf("   🚨 Liq: $%s\n", helpers.FormatUSD(cross.LiquidationPrice))
		}
	}

	if len(positions) == 0 && cross == nil {
		text += "\n<i>No open positions</i>"
	}

	return text
}

// sendChart renders the retained 24h price history and replies with a
// photo.
func (b *Bot) sendChart(m *tgbotapi.Message) {
	samples, err := database.SamplesSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		log.Errorf("❌ Failed to load price history: %v", err)
		samples = nil
	}
	if len(samples) < 2 {
		samples = marketFeed.History()
	}

	data, err := chart.RenderPriceChart(samples)
	if err != nil {
		log.Errorf("❌ Failed to render chart: %v", err)
		_ = b.SendMessage(Message{
			ChatID:    m.Chat.ID,
			MessageID: m.MessageID,
			Text:      translation.Translate("Not enough price history yet, try again in a few minutes."),
		})
		return
	}

	photo := tgbotapi.NewPhoto(m.Chat.ID, tgbotapi.FileBytes{Name: "chart.png", Bytes: data})
	photo.Caption = "BTC / USD, last 24h"
	photo.ReplyToMessageID = m.MessageID
	if _, err := b.Bot.Send(photo); err != nil {
		log.Errorf("❌ Failed to send chart: %v", err)
	}
}
