package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const DATABASE_TYPE = "FLOWLINE_DATABASE_TYPE"
const DATABASE_URL = "FLOWLINE_DATABASE_URL"
const DATABASE_SQLITE_FILE_NAME = "FLOWLINE_DATABASE_SQLITE_FILE_NAME"
const REDIS_ADDR = "FLOWLINE_REDIS_ADDR"
const REDIS_PASSWORD = "FLOWLINE_REDIS_PASSWORD"
const REDIS_DB = "FLOWLINE_REDIS_DB"
const ENGINE_SERVER_WEB_PORT = "FLOWLINE_ENGINE_SERVER_WEB_PORT"
const ENGINE_CONSUMER_GROUP = "FLOWLINE_ENGINE_CONSUMER_GROUP" //consumer group name shared by all competing workers
const ENGINE_CONSUMER_NAME = "FLOWLINE_ENGINE_CONSUMER_NAME"   //consumer name prefix, defaults to the hostname
const ENGINE_WORKER_COUNT = "FLOWLINE_ENGINE_WORKER_COUNT"     //number of stream consumers to run in parallel
const ENGINE_POLL_BLOCK = "FLOWLINE_ENGINE_POLL_BLOCK"         //how long a consumer blocks on an empty stream read
const ENGINE_SWEEP_INTERVAL = "FLOWLINE_ENGINE_SWEEP_INTERVAL" //task expiry and wait timeout sweep interval
const ENGINE_CLAIM_MIN_IDLE = "FLOWLINE_ENGINE_CLAIM_MIN_IDLE" //pending age before a worker claims another consumer's entries
const ENGINE_RETRY_MAX = "FLOWLINE_ENGINE_RETRY_MAX"           //max delivery attempts before a message moves to the DLQ
const ENGINE_RETRY_INITIAL_DELAY = "FLOWLINE_ENGINE_RETRY_INITIAL_DELAY"
const ENGINE_RETRY_MAX_DELAY = "FLOWLINE_ENGINE_RETRY_MAX_DELAY"
const ENGINE_RETRY_BACKOFF_FACTOR = "FLOWLINE_ENGINE_RETRY_BACKOFF_FACTOR"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLITE = "SQLITE"

var once sync.Once

// settings is process-wide; viper reads the environment first and falls back
// to the registered defaults.
func settings() *viper.Viper {
	once.Do(func() {
		viper.SetDefault(ENGINE_CONSUMER_GROUP, "flowline")
		viper.SetDefault(ENGINE_WORKER_COUNT, 5)
		viper.SetDefault(ENGINE_POLL_BLOCK, "3s")
		viper.SetDefault(ENGINE_SWEEP_INTERVAL, "30s")
		viper.SetDefault(ENGINE_CLAIM_MIN_IDLE, "1m")
		viper.SetDefault(ENGINE_RETRY_MAX, 5)
		viper.SetDefault(ENGINE_RETRY_INITIAL_DELAY, "250ms")
		viper.SetDefault(ENGINE_RETRY_MAX_DELAY, "30s")
		viper.SetDefault(ENGINE_RETRY_BACKOFF_FACTOR, 2.0)
		viper.SetDefault(ENGINE_SERVER_WEB_PORT, "8080")
		viper.SetDefault(REDIS_ADDR, "localhost:6379")
		viper.SetDefault(REDIS_DB, 0)
		viper.SetDefault(DATABASE_SQLITE_FILE_NAME, "./flowline.db")
		viper.AutomaticEnv()
	})
	return viper.GetViper()
}

func GetSystemSettingString(settingKey string) string {
	return strings.TrimSpace(settings().GetString(settingKey))
}

func GetSystemSettingInteger(settingKey string) int {
	return settings().GetInt(settingKey)
}

func GetSystemSettingFloat(settingKey string) float64 {
	return settings().GetFloat64(settingKey)
}

func GetSystemSettingDuration(settingKey string) time.Duration {
	v := GetSystemSettingString(settingKey)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
