package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	VATRateBasisPoints    int64
	CurrencySymbol        string
	CacheTTLSeconds       int
	CacheMaxEntries       int
	SalesPageSize         int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	vatPercent, err := strconv.ParseFloat(getEnv("VAT_RATE_PERCENT", "12"), 64)
	if err != nil || vatPercent < 0 || vatPercent > 100 {
		vatPercent = 12
	}

	cacheTTL, err := strconv.Atoi(getEnv("CACHE_TTL_SECONDS", "60"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 60
	}
	cacheMax, err := strconv.Atoi(getEnv("CACHE_MAX_ENTRIES", "4096"))
	if err != nil || cacheMax < 1 {
		cacheMax = 4096
	}
	pageSize, err := strconv.Atoi(getEnv("SALES_PAGE_SIZE", "50"))
	if err != nil || pageSize < 1 {
		pageSize = 50
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		VATRateBasisPoints:    int64(math.Round(vatPercent * 100)),
		CurrencySymbol:        getEnv("CURRENCY_SYMBOL", "₱"),
		CacheTTLSeconds:       cacheTTL,
		CacheMaxEntries:       cacheMax,
		SalesPageSize:         pageSize,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
