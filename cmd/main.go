package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/leonelquinteros/gotext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"

	"lnmarkets-alert-bot/config"
	"lnmarkets-alert-bot/internal/alert"
	"lnmarkets-alert-bot/internal/database"
	"lnmarkets-alert-bot/internal/feed"
	"lnmarkets-alert-bot/internal/lnmarkets"
	"lnmarkets-alert-bot/internal/telegram"
	"lnmarkets-alert-bot/internal/types"
	"lnmarkets-alert-bot/lib/security"
)

type BotMetrics struct {
	CommandsProcessed prometheus.Counter
	MessagesHandled   prometheus.Counter
	AlertsTriggered   *prometheus.CounterVec
	DeliveryFailures  prometheus.Counter
	MarketPolls       prometheus.Counter
	PollErrors        prometheus.Counter
}

var (
	metrics = NewBotMetrics()
)

func init() {
	config.InitConfig()
	setupLogging()
}

func NewBotMetrics() *BotMetrics {
	metrics := &BotMetrics{
		CommandsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnmarkets",
			Subsystem: "alert_bot",
			Name:      "commands_processed",
			Help:      "The total number of processed commands",
		}),
		MessagesHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnmarkets",
			Subsystem: "alert_bot",
			Name:      "messages_handled",
			Help:      "The total number of handled messages",
		}),
		AlertsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lnmarkets",
				Subsystem: "alert_bot",
				Name:      "alerts_triggered",
				Help:      "The total number of delivered alert notifications",
			},
			[]string{"kind"},
		),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnmarkets",
			Subsystem: "alert_bot",
			Name:      "delivery_failures",
			Help:      "The total number of failed alert deliveries",
		}),
		MarketPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnmarkets",
			Subsystem: "alert_bot",
			Name:      "market_polls",
			Help:      "The total number of market poll cycles",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lnmarkets",
			Subsystem: "alert_bot",
			Name:      "poll_errors",
			Help:      "The total number of failed market polls",
		}),
	}

	prometheus.MustRegister(metrics.CommandsProcessed)
	prometheus.MustRegister(metrics.MessagesHandled)
	prometheus.MustRegister(metrics.AlertsTriggered)
	prometheus.MustRegister(metrics.DeliveryFailures)
	prometheus.MustRegister(metrics.MarketPolls)
	prometheus.MustRegister(metrics.PollErrors)

	return metrics
}

func main() {
	gotext.Configure("locales", strings.ToLower(config.GetString("lang")), "default")

	sealer := newSealer()

	if err := database.InitDB(config.GetString("database_path"), sealer); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.CloseDB()

	LoadMetricsFromDB()

	apiBase := config.GetString("api_base_url")
	publicClient := lnmarkets.NewClient(apiBase)

	marketFeed := feed.NewFeed(publicClient, database.Store{},
		time.Duration(config.GetInt("poll_interval_sec"))*time.Second)
	marketFeed.Polls = metrics.MarketPolls
	marketFeed.PollErrors = metrics.PollErrors

	bot, err := telegram.NewBot(telegram.BotConfig{
		Token:          config.GetString("telegram_bot_token"),
		Debug:          config.GetBool("debug"),
		UpdatesTimeout: 60,
		APIBaseURL:     apiBase,
	}, marketFeed)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	engine := alert.NewEngine(database.Store{}, bot, marketFeed,
		func(creds types.Credentials) alert.PositionClient {
			return lnmarkets.NewAuthenticatedClient(apiBase, creds)
		},
		alert.Config{
			Cooldown:         time.Duration(config.GetInt("alert_cooldown_sec")) * time.Second,
			PositionInterval: time.Duration(config.GetInt("margin_check_interval_sec")) * time.Second,
		})
	engine.Triggered = metrics.AlertsTriggered
	engine.DeliveryFailures = metrics.DeliveryFailures

	marketFeed.OnTicker(engine.HandleTicker)
	marketFeed.OnFunding(engine.HandleFunding)

	marketFeed.Start()
	engine.Start()

	updates, err := bot.GetUpdatesChannel()
	if err != nil {
		log.Fatalf("Failed to get updates channel: %v", err)
	}

	go handleUpdates(bot, updates)

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			SaveMetricsToDB()
		}
	}()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		engine.Stop()
		marketFeed.Stop()
		SaveMetricsToDB()
		log.Println("Metrics saved, shutting down...")
		os.Exit(0)
	}()

	if err := launchMetricsAndHealthServer(config.GetInt("metrics_port")); err != nil {
		log.Fatalf("Failed to start metrics and health server: %v", err)
	}
}

func newSealer() *security.Sealer {
	encodedKey := config.GetString("credentials_key")
	if encodedKey == "" {
		generated, err := security.GenerateKey()
		if err != nil {
			log.Fatalf("Failed to generate credentials key: %v", err)
		}
		log.Warn("CREDENTIALS_KEY not set; using an ephemeral key - stored credentials will not survive a restart")
		encodedKey = generated
	}

	sealer, err := security.NewSealer(encodedKey)
	if err != nil {
		log.Fatalf("Invalid credentials key: %v", err)
	}
	return sealer
}

func setupLogging() {
	log.SetLevel(log.ErrorLevel)
	if config.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	log.Debug("Starting LN Markets alert bot...")
}

func handleUpdates(bot *telegram.Bot, updates tgbotapi.UpdatesChannel) {
	for update := range updates {
		if update.CallbackQuery != nil {
			bot.HandleCallbackQuery(update.CallbackQuery)
			continue
		}

		if update.Message == nil {
			log.Debug("Received non-message or non-command")
			continue
		}

		if !update.Message.IsCommand() {
			continue
		}

		metrics.MessagesHandled.Inc()

		handleCommand(bot, update)
	}
}

func handleCommand(bot *telegram.Bot, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			stackBuf := make([]byte, 1024)
			stackSize := runtime.Stack(stackBuf, false)
			stackTrace := bytes.TrimRight(stackBuf[:stackSize], "\x00")
			log.Errorf("Recovered from panic: %v\nStack trace: %s", r, stackTrace)
		}
	}()

	text := bot.HandleUpdate(update)
	if text == "" {
		metrics.CommandsProcessed.Inc()
		return
	}

	err := bot.SendMessage(telegram.Message{
		ChatID:    update.Message.Chat.ID,
		Text:      text,
		MessageID: update.Message.MessageID,
	})

	if err != nil {
		log.Errorf("Failed to send message: %v", err)
	} else {
		metrics.CommandsProcessed.Inc()
	}
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func launchMetricsAndHealthServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", healthCheckHandler)

	log.Infof("Launching metrics and health endpoint on :%d", port)
	return http.ListenAndServe(fmt.Sprintf(":%d", port), http.DefaultServeMux)
}

func LoadMetricsFromDB() {
	commandsProcessed, _ := database.GetMetric("commands_processed")
	messagesHandled, _ := database.GetMetric("messages_handled")
	deliveryFailures, _ := database.GetMetric("delivery_failures")
	marketPolls, _ := database.GetMetric("market_polls")
	pollErrors, _ := database.GetMetric("poll_errors")

	metrics.CommandsProcessed.Add(commandsProcessed)
	metrics.MessagesHandled.Add(messagesHandled)
	metrics.DeliveryFailures.Add(deliveryFailures)
	metrics.MarketPolls.Add(marketPolls)
	metrics.PollErrors.Add(pollErrors)

	triggered, _ := database.GetMetricsWithLabels("alerts_triggered")
	for _, values := range triggered {
		for kind, value := range values {
			metrics.AlertsTriggered.WithLabelValues(kind).Add(value)
		}
	}

	log.Println("Metrics loaded from database.")
}

func SaveMetricsToDB() {
	database.SaveMetric("commands_processed", "", "", GetMetricValue(metrics.CommandsProcessed))
	database.SaveMetric("messages_handled", "", "", GetMetricValue(metrics.MessagesHandled))
	database.SaveMetric("delivery_failures", "", "", GetMetricValue(metrics.DeliveryFailures))
	database.SaveMetric("market_polls", "", "", GetMetricValue(metrics.MarketPolls))
	database.SaveMetric("poll_errors", "", "", GetMetricValue(metrics.PollErrors))

	metricChan := make(chan prometheus.Metric, 16)
	go func() {
		metrics.AlertsTriggered.Collect(metricChan)
		close(metricChan)
	}()

	for metric := range metricChan {
		metricProto := &dto.Metric{}
		if err := metric.Write(metricProto); err != nil {
			log.Printf("Failed to read AlertsTriggered metric: %v", err)
			continue
		}
		var kind string
		for _, label := range metricProto.Label {
			if label.GetName() == "kind" {
				kind = label.GetValue()
			}
		}
		database.SaveMetric("alerts_triggered", "kind", kind, metricProto.Counter.GetValue())
	}

	log.Println("Metrics saved to database.")
}

func GetMetricValue(metric prometheus.Collector) float64 {
	var metricValue float64
	metricChan := make(chan prometheus.Metric, 1)
	metric.Collect(metricChan)
	close(metricChan)

	metricProto := &dto.Metric{}
	if err := (<-metricChan).Write(metricProto); err != nil {
		log.Printf("Failed to read metric value: %v", err)
		return 0
	}

	if metricProto.Counter != nil {
		metricValue = metricProto.Counter.GetValue()
	} else if metricProto.Gauge != nil {
		metricValue = metricProto.Gauge.GetValue()
	}
	return metricValue
}
