package config

import "fmt"

func validate(c *Config) error {
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Sync.validate(); err != nil {
		return err
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if s.RecordDBPath == "" {
		return fmt.Errorf("store.record_db_path cannot be empty")
	}
	if s.PriceDBPath == "" {
		return fmt.Errorf("store.price_db_path cannot be empty")
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.MinTickIntervalMS > s.MaxTickIntervalMS {
		return fmt.Errorf("sync.min_tick_interval_ms (%d) exceeds sync.max_tick_interval_ms (%d)",
			s.MinTickIntervalMS, s.MaxTickIntervalMS)
	}
	if s.WalkPercent >= 100 {
		return fmt.Errorf("sync.walk_percent must be below 100, got %v", s.WalkPercent)
	}
	return nil
}
