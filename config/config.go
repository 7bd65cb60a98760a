// Package config loads the monitor configuration from the environment.
// The resulting struct is threaded through every constructor and never
// mutated after Validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// databases
	DatabaseURL      string
	RelayDatabaseURL string

	// upstream services
	ConsensusNodes  []string
	ValidationNodes []string
	LokiURL         string

	// alerting
	TelegramAPIKey              string
	TelegramAlertsChannelID     string
	TelegramWarningsChannelID   string
	TelegramBlockNotFoundChanID string
	TelegramDemotionsChannelID  string
	TelegramBuilderDMChannels   map[string]string
	OpsgenieAPIKey              string
	RepromoteBaseURL            string

	// identity
	Env     string // stag | prod
	Network string // mainnet | holesky | hoodi
	Geo     string // rbx | vin

	// monitor tuning
	CanonicalWaitMinutes      int
	MissedSlotsCheckRange     uint64
	MissedSlotsAlertThreshold int

	UnsyncedNodesTGWarningThreshold int
	UnsyncedNodesOGAlertThreshold   int

	MaxAuctionAnalysisSlotLag uint64
	MaxHeaderDelaySlotLag     uint64
	MaxLookbackSlotLag        uint64

	TrustedBuilderIDs              []string
	TrustedBuilderPromotableErrors []string

	Port     int
	LogJSON  bool
	LogLevel string
}

// Load reads the environment. It does not validate; call Validate before use.
func Load() *Config {
	return &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RelayDatabaseURL: os.Getenv("RELAY_DATABASE_URL"),

		ConsensusNodes:  getEnvList("CONSENSUS_NODES"),
		ValidationNodes: getEnvList("VALIDATION_NODES"),
		LokiURL:         os.Getenv("LOKI_URL"),

		TelegramAPIKey:              os.Getenv("TELEGRAM_API_KEY"),
		TelegramAlertsChannelID:     os.Getenv("TELEGRAM_ALERTS_CHANNEL_ID"),
		TelegramWarningsChannelID:   os.Getenv("TELEGRAM_WARNINGS_CHANNEL_ID"),
		TelegramBlockNotFoundChanID: os.Getenv("TELEGRAM_BLOCK_NOT_FOUND_CHANNEL_ID"),
		TelegramDemotionsChannelID:  os.Getenv("TELEGRAM_DEMOTIONS_CHANNEL_ID"),
		TelegramBuilderDMChannels:   getEnvMap("TELEGRAM_BUILDER_DM_CHANNELS"),
		OpsgenieAPIKey:              os.Getenv("OPSGENIE_API_KEY"),
		RepromoteBaseURL:            getEnv("REPROMOTE_BASE_URL", "https://relay-ops.internal/repromote"),

		Env:     getEnv("ENV", "stag"),
		Network: getEnv("NETWORK", "mainnet"),
		Geo:     getEnv("GEO", "rbx"),

		CanonicalWaitMinutes:      getEnvInt("CANONICAL_WAIT_MINUTES", 2),
		MissedSlotsCheckRange:     uint64(getEnvInt("MISSED_SLOTS_CHECK_RANGE", 30)),
		MissedSlotsAlertThreshold: getEnvInt("MISSED_SLOTS_ALERT_THRESHOLD", 3),

		UnsyncedNodesTGWarningThreshold: getEnvInt("UNSYNCED_NODES_THRESHOLD_TG_WARNING", 1),
		UnsyncedNodesOGAlertThreshold:   getEnvInt("UNSYNCED_NODES_THRESHOLD_OG_ALERT", 2),

		MaxAuctionAnalysisSlotLag: uint64(getEnvInt("MAX_AUCTION_ANALYSIS_SLOT_LAG", 50)),
		MaxHeaderDelaySlotLag:     uint64(getEnvInt("MAX_HEADER_DELAY_UPDATES_SLOT_LAG", 60)),
		MaxLookbackSlotLag:        uint64(getEnvInt("MAX_LOOKBACK_UPDATES_SLOT_LAG", 600)),

		TrustedBuilderIDs:              getEnvList("TRUSTED_BUILDER_IDS"),
		TrustedBuilderPromotableErrors: getEnvList("TRUSTED_BUILDER_PROMOTABLE_ERRORS"),

		Port:     getEnvInt("PORT", 8080),
		LogJSON:  os.Getenv("LOG_JSON") == "1",
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RelayDatabaseURL == "" {
		return fmt.Errorf("RELAY_DATABASE_URL is required")
	}
	if len(c.ConsensusNodes) == 0 {
		return fmt.Errorf("CONSENSUS_NODES is required")
	}
	switch c.Env {
	case "stag", "prod":
	default:
		return fmt.Errorf("invalid env %q, want stag or prod", c.Env)
	}
	switch c.Network {
	case "mainnet", "holesky", "hoodi":
	default:
		return fmt.Errorf("invalid network %q", c.Network)
	}
	switch c.Geo {
	case "rbx", "vin":
	default:
		return fmt.Errorf("invalid geo %q", c.Geo)
	}
	if c.CanonicalWaitMinutes < 1 {
		return fmt.Errorf("CANONICAL_WAIT_MINUTES must be at least 1")
	}
	return nil
}

// IsProd reports whether paging alerts should actually page.
func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

func (c *Config) CanonicalWait() time.Duration {
	return time.Duration(c.CanonicalWaitMinutes) * time.Minute
}

// ExplorerBaseURL returns the beaconcha.in host for the configured network.
func (c *Config) ExplorerBaseURL() string {
	switch c.Network {
	case "holesky":
		return "https://holesky.beaconcha.in"
	case "hoodi":
		return "https://hoodi.beaconcha.in"
	default:
		return "https://beaconcha.in"
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(value)
		if err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvMap parses "key1=val1,key2=val2" into a map.
func getEnvMap(key string) map[string]string {
	out := map[string]string{}
	for _, entry := range getEnvList(key) {
		k, v, found := strings.Cut(entry, "=")
		if found && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
