package config

// Config is the top-level configuration for compass.
type Config struct {
	App       AppConfig       `toml:"app"`
	Store     StoreConfig     `toml:"store"`
	Sync      SyncConfig      `toml:"sync"`
	Watchlist WatchlistConfig `toml:"watchlist"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

type StoreConfig struct {
	RecordDBPath string `toml:"record_db_path"`
	PriceDBPath  string `toml:"price_db_path"`
	FeedBuffer   int    `toml:"feed_buffer"`
}

// SyncConfig controls the live-price sync engine. Tick intervals bound the
// per-symbol jitter band; WalkPercent is the maximum move per simulated tick.
type SyncConfig struct {
	MinTickIntervalMS int     `toml:"min_tick_interval_ms"`
	MaxTickIntervalMS int     `toml:"max_tick_interval_ms"`
	WalkPercent       float64 `toml:"walk_percent"`
	LoadThreshold     int     `toml:"load_failure_threshold"`
	LoadCooldownSec   int     `toml:"load_cooldown_seconds"`
}

type WatchlistConfig struct {
	Path string `toml:"path"`
}
