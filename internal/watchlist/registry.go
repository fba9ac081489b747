package watchlist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"compass/internal/logger"
	"compass/internal/pkg/symbol"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Entry is one watchlist symbol with its simulation seed.
type Entry struct {
	Symbol    string  `yaml:"symbol" json:"symbol"`
	BasePrice float64 `yaml:"base_price" json:"base_price"`
}

// FileConfig maps the watchlist YAML file.
type FileConfig struct {
	Watchlist []Entry `yaml:"watchlist" json:"watchlist"`
}

// Snapshot is the published view of the watchlist.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Entries  map[string]Entry
}

// Symbols returns the watched symbols, normalized and sorted.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Entries))
	for sym := range s.Entries {
		out = append(out, sym)
	}
	return symbol.NormalizeList(out)
}

// ChangeListener fires after a successful hot reload.
type ChangeListener func(Snapshot)

// Registry loads the demo watchlist file, validates it against a JSON
// schema and hot-reloads it on file changes.
type Registry struct {
	path string
	v    *viper.Viper

	mu             sync.RWMutex
	snapshot       Snapshot
	listeners      map[int]ChangeListener
	nextListenerID int
}

const fileSchema = `{
	"type": "object",
	"required": ["watchlist"],
	"properties": {
		"watchlist": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["symbol", "base_price"],
				"properties": {
					"symbol": {"type": "string", "minLength": 1},
					"base_price": {"type": "number", "exclusiveMinimum": 0}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("watchlist.json", fileSchema)

// NewRegistry reads the watchlist at path and starts watching it for
// updates.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("watchlist registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read watchlist failed: %w", err)
	}
	r := &Registry{path: path, v: v, listeners: make(map[int]ChangeListener)}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("watchlist reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot returns the current watchlist.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Entry returns the watchlist entry for sym.
func (r *Registry) Entry(sym string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.snapshot.Entries[symbol.Normalize(sym)]
	return e, ok
}

// OnChange registers a hot-reload listener and returns a handle for
// RemoveListener.
func (r *Registry) OnChange(fn ChangeListener) int {
	if fn == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextListenerID++
	r.listeners[r.nextListenerID] = fn
	return r.nextListenerID
}

func (r *Registry) RemoveListener(id int) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	cfg, err := readWatchlistFile(r.path)
	if err != nil {
		return err
	}
	entries := make(map[string]Entry, len(cfg.Watchlist))
	for _, e := range cfg.Watchlist {
		sym := symbol.Normalize(e.Symbol)
		if sym == "" {
			continue
		}
		e.Symbol = sym
		entries[sym] = e
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Entries:  entries,
	}
	r.mu.Unlock()
	logger.Infof("watchlist loaded %d symbols from %s", len(entries), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := make([]ChangeListener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("watchlist listener")
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Entries:  make(map[string]Entry, len(src.Entries)),
	}
	for sym, e := range src.Entries {
		dst.Entries[sym] = e
	}
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func readWatchlistFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read watchlist failed: %w", err)
	}
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return FileConfig{}, fmt.Errorf("parse watchlist failed: %w", err)
	}
	if err := validateSchema(generic); err != nil {
		return FileConfig{}, fmt.Errorf("watchlist schema invalid: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse watchlist failed: %w", err)
	}
	return cfg, nil
}

func validateSchema(doc map[string]any) error {
	// jsonschema validates json-shaped values; round-trip through
	// encoding/json so yaml numbers land as float64.
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var jsonDoc any
	if err := json.Unmarshal(raw, &jsonDoc); err != nil {
		return err
	}
	return compiledSchema.Validate(jsonDoc)
}
