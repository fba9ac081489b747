package config

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":8091"
	defaultRecordDBPath    = "data/compass.db"
	defaultPriceDBPath     = "data/prices.db"
	defaultFeedBuffer      = 256
	defaultMinTickMS       = 3000
	defaultMaxTickMS       = 5000
	defaultWalkPercent     = 2.0
	defaultLoadThreshold   = 3
	defaultLoadCooldownSec = 30
	defaultWatchlistPath   = "configs/watchlist.yaml"
)

func (c *Config) applyDefaults() {
	c.App.applyDefaults()
	c.Store.applyDefaults()
	c.Sync.applyDefaults()
	c.Watchlist.applyDefaults()
}

func (a *AppConfig) applyDefaults() {
	if a.Env == "" {
		a.Env = defaultAppEnv
	}
	if a.LogLevel == "" {
		a.LogLevel = defaultAppLogLevel
	}
	if a.HTTPAddr == "" {
		a.HTTPAddr = defaultAppHTTPAddr
	}
}

func (s *StoreConfig) applyDefaults() {
	if s.RecordDBPath == "" {
		s.RecordDBPath = defaultRecordDBPath
	}
	if s.PriceDBPath == "" {
		s.PriceDBPath = defaultPriceDBPath
	}
	if s.FeedBuffer <= 0 {
		s.FeedBuffer = defaultFeedBuffer
	}
}

func (s *SyncConfig) applyDefaults() {
	if s.MinTickIntervalMS <= 0 {
		s.MinTickIntervalMS = defaultMinTickMS
	}
	if s.MaxTickIntervalMS <= 0 {
		s.MaxTickIntervalMS = defaultMaxTickMS
	}
	if s.WalkPercent <= 0 {
		s.WalkPercent = defaultWalkPercent
	}
	if s.LoadThreshold <= 0 {
		s.LoadThreshold = defaultLoadThreshold
	}
	if s.LoadCooldownSec <= 0 {
		s.LoadCooldownSec = defaultLoadCooldownSec
	}
}

func (w *WatchlistConfig) applyDefaults() {
	if w.Path == "" {
		w.Path = defaultWatchlistPath
	}
}
