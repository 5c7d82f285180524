package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileName is the config document name looked up in every candidate directory.
const FileName = "punchagent_config.json"

// ErrNoWritableLocation is returned by Save when every candidate path failed.
var ErrNoWritableLocation = errors.New("config: no writable location")

// runtime-only keys never written back to disk; keys starting with "_" are
// treated the same way.
var runtimeKeys = map[string]struct{}{
	"sync_running": {},
}

var knownKeys = func() map[string]struct{} {
	keys := make(map[string]struct{})
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if name := jsonFieldName(t.Field(i)); name != "" {
			keys[name] = struct{}{}
		}
	}
	return keys
}()

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

func isRuntimeKey(key string) bool {
	if strings.HasPrefix(key, "_") {
		return true
	}
	_, ok := runtimeKeys[key]
	return ok
}

// DefaultPaths returns the candidate config locations in priority order:
// working directory, executable directory, per-user config directory.
func DefaultPaths() []string {
	paths := make([]string, 0, 3)
	seen := make(map[string]struct{}, 3)
	add := func(dir string) {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			return
		}
		p := filepath.Join(dir, FileName)
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	if wd, err := os.Getwd(); err == nil {
		add(wd)
	}
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		add(filepath.Dir(exe))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		add(filepath.Join(dir, "punchagent"))
	}
	return paths
}

// Store owns the in-memory configuration and its on-disk document.
type Store struct {
	paths []string

	mu     sync.RWMutex
	cfg    Config
	extra  map[string]json.RawMessage
	source string
}

// NewStore builds a store over the given candidate paths, falling back to
// DefaultPaths when none are given. The store starts with Defaults until Load.
func NewStore(paths ...string) *Store {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		cleaned = DefaultPaths()
	}
	return &Store{paths: cleaned, cfg: Defaults()}
}

// Paths returns the candidate paths in priority order.
func (s *Store) Paths() []string {
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Source returns the path the configuration was last loaded from or saved to.
func (s *Store) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// Get returns a snapshot of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the in-memory configuration; unknown document keys are kept.
func (s *Store) Set(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Load reads the first parseable document among the candidate paths and merges
// it over Defaults. When no document exists anywhere the defaults are saved so
// the next run finds them.
func (s *Store) Load() Config {
	found := false
	for _, path := range s.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				found = true
				log.Warn().Err(err).Str("path", path).Msg("config: read failed, skipping")
			}
			continue
		}
		found = true
		cfg, extra, err := decode(data)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config: parse failed, skipping")
			continue
		}
		if fixed, reset := cfg.WithRangeDefaults(); len(reset) > 0 {
			log.Warn().Strs("keys", reset).Str("path", path).Msg("config: out of range values replaced with defaults")
			cfg = fixed
		}
		s.mu.Lock()
		s.cfg, s.extra, s.source = cfg, extra, path
		s.mu.Unlock()
		log.Info().Str("path", path).Msg("config: loaded")
		return cfg
	}

	s.mu.Lock()
	s.cfg, s.extra, s.source = Defaults(), nil, ""
	s.mu.Unlock()
	if found {
		// Keep unreadable documents on disk for the operator to fix.
		log.Warn().Msg("config: no readable document, using defaults in memory")
		return s.Get()
	}
	log.Info().Msg("config: no document found, writing defaults")
	if _, err := s.Save(); err != nil {
		log.Warn().Err(err).Msg("config: initial save failed")
	}
	return s.Get()
}

// Save writes the configuration to the first candidate path that accepts it,
// using write-to-temp then rename so a crash never leaves a partial document.
func (s *Store) Save() (string, error) {
	s.mu.RLock()
	data, err := encode(s.cfg, s.extra)
	s.mu.RUnlock()
	if err != nil {
		return "", err
	}
	for _, path := range s.paths {
		if err := writeAtomic(path, data); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config: save failed, trying next location")
			continue
		}
		s.mu.Lock()
		s.source = path
		s.mu.Unlock()
		log.Info().Str("path", path).Msg("config: saved")
		return path, nil
	}
	log.Error().Strs("paths", s.paths).Msg("config: could not save to any location")
	return "", ErrNoWritableLocation
}

// Update merges a JSON object of changed keys over the current configuration.
// The in-memory state is left untouched when the patch does not decode or
// breaks a numeric bound.
func (s *Store) Update(partial []byte) (Config, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(partial, &patch); err != nil {
		return s.Get(), errors.Wrap(err, "config: decode patch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := toDocument(s.cfg, s.extra)
	if err != nil {
		return s.cfg, err
	}
	for key, value := range patch {
		if isRuntimeKey(key) {
			continue
		}
		current[key] = value
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return s.cfg, errors.Wrap(err, "config: encode merged document")
	}
	cfg, extra, err := decode(merged)
	if err != nil {
		return s.cfg, errors.Wrap(err, "config: apply patch")
	}
	if err := cfg.CheckRanges(); err != nil {
		return s.cfg, err
	}
	s.cfg, s.extra = cfg, extra
	return cfg, nil
}

func decode(data []byte) (Config, map[string]json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return Config{}, nil, errors.Wrap(err, "decode config document")
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, nil, errors.Wrap(err, "decode config fields")
	}
	var extra map[string]json.RawMessage
	for key, value := range doc {
		if _, ok := knownKeys[key]; ok || isRuntimeKey(key) {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = value
	}
	return cfg, extra, nil
}

func toDocument(cfg Config, extra map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	fields, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "encode config fields")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(fields, &doc); err != nil {
		return nil, errors.Wrap(err, "encode config fields")
	}
	for key, value := range extra {
		if _, ok := doc[key]; ok || isRuntimeKey(key) {
			continue
		}
		doc[key] = value
	}
	return doc, nil
}

func encode(cfg Config, extra map[string]json.RawMessage) ([]byte, error) {
	doc, err := toDocument(cfg, extra)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode config document")
	}
	return append(data, '\n'), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temporary config file")
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "write temporary config file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "sync temporary config file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "close temporary config file")
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		cleanup()
		return errors.Wrap(err, "chmod temporary config file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return errors.Wrap(err, "replace config file")
	}
	return nil
}
