// Package store provides crash-safe persistence for Pair State and the
// hourly-PnL drawdown series using JSON files.
//
// Each symbol's pair state is stored as a separate file: pair_<symbol>.json.
// The hourly PnL series backing Drawdown Tracking is stored as a single
// shared file: hourly_pnl.json. Writes use atomic file replacement (write
// to .tmp, then rename) to prevent corruption from partial writes or
// crashes mid-save. The engine saves every open pair and the hourly PnL
// series once a minute and on shutdown, removes a pair's file when the pair
// closes, and calls the Load* methods on startup to restore state.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

const hourlyPnLFile = "hourly_pnl.json"

// Store persists state to JSON files in a designated directory. All
// operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SavePairState atomically persists the current Pair State for symbol.
func (s *Store) SavePairState(symbol string, state types.PairState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pair state: %w", err)
	}
	path := filepath.Join(s.dir, "pair_"+symbol+".json")
	if err := s.writeAtomic(path, data); err != nil {
		return fmt.Errorf("write pair state: %w", err)
	}
	return nil
}

// LoadPairState restores symbol's Pair State from disk. Returns nil, nil
// if no saved state exists (fresh symbol).
func (s *Store) LoadPairState(symbol string) (*types.PairState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "pair_"+symbol+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pair state: %w", err)
	}

	var state types.PairState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal pair state: %w", err)
	}
	return &state, nil
}

// ListPairSymbols returns the symbols with persisted pair state, recovered
// from the pair_<symbol>.json filenames present in the store directory.
// Used on startup to know which symbols to restore before the first tick.
func (s *Store) ListPairSymbols() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "pair_*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob pair state files: %w", err)
	}
	symbols := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		symbol := strings.TrimSuffix(strings.TrimPrefix(base, "pair_"), ".json")
		symbols = append(symbols, symbol)
	}
	return symbols, nil
}

// DeletePairState removes a closed pair's persisted state. A missing file
// is not an error.
func (s *Store) DeletePairState(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "pair_"+symbol+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pair state: %w", err)
	}
	return nil
}

// SaveHourlyPnL atomically persists the full rolling hourly-PnL series
// backing Drawdown Tracking.
func (s *Store) SaveHourlyPnL(series []decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("marshal hourly pnl: %w", err)
	}
	path := filepath.Join(s.dir, hourlyPnLFile)
	if err := s.writeAtomic(path, data); err != nil {
		return fmt.Errorf("write hourly pnl: %w", err)
	}
	return nil
}

// LoadHourlyPnL restores the hourly-PnL series from disk. Returns nil, nil
// if none has been saved yet.
func (s *Store) LoadHourlyPnL() ([]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, hourlyPnLFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read hourly pnl: %w", err)
	}

	var series []decimal.Decimal
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, fmt.Errorf("unmarshal hourly pnl: %w", err)
	}
	return series, nil
}
