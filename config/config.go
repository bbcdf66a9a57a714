package config

import (
	"github.com/spf13/viper"
	"sync"
)

var once sync.Once

func InitConfig() {
	once.Do(func() {
		viper.AutomaticEnv()

		viper.BindEnv("telegram_bot_token", "TELEGRAM_BOT_TOKEN")
		viper.BindEnv("database_path", "DATABASE_PATH")
		viper.BindEnv("api_base_url", "API_BASE_URL")
		viper.BindEnv("credentials_key", "CREDENTIALS_KEY")
		viper.BindEnv("metrics_port", "METRICS_PORT")
		viper.BindEnv("poll_interval_sec", "POLL_INTERVAL_SEC")
		viper.BindEnv("margin_check_interval_sec", "MARGIN_CHECK_INTERVAL_SEC")
		viper.BindEnv("alert_cooldown_sec", "ALERT_COOLDOWN_SEC")
		viper.BindEnv("debug", "DEBUG")
		viper.BindEnv("lang", "LANG")

		viper.SetDefault("database_path", "./data/alerts.db")
		viper.SetDefault("api_base_url", "https://api.lnmarkets.com")
		viper.SetDefault("metrics_port", 9090)
		viper.SetDefault("poll_interval_sec", 5)
		viper.SetDefault("margin_check_interval_sec", 30)
		viper.SetDefault("alert_cooldown_sec", 300)
		viper.SetDefault("debug", false)
		viper.SetDefault("lang", "en")
	})
}

func GetString(key string) string {
	InitConfig()
	return viper.GetString(key)
}

func GetInt(key string) int {
	InitConfig()
	return viper.GetInt(key)
}

func GetBool(key string) bool {
	InitConfig()
	return viper.GetBool(key)
}
