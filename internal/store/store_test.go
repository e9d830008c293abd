package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

func TestSaveAndLoadPairState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state := types.PairState{
		Symbol:      "BTCUSDT",
		SpotSize:    decimal.NewFromInt(10),
		FuturesSize: decimal.NewFromInt(-10),
		EntryBasis:  decimal.NewFromFloat(0.002),
	}

	if err := s.SavePairState("BTCUSDT", state); err != nil {
		t.Fatalf("SavePairState: %v", err)
	}

	loaded, err := s.LoadPairState("BTCUSDT")
	if err != nil {
		t.Fatalf("LoadPairState: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadPairState returned nil")
	}
	if !loaded.SpotSize.Equal(state.SpotSize) {
		t.Errorf("SpotSize = %v, want %v", loaded.SpotSize, state.SpotSize)
	}
	if !loaded.EntryBasis.Equal(state.EntryBasis) {
		t.Errorf("EntryBasis = %v, want %v", loaded.EntryBasis, state.EntryBasis)
	}
}

func TestLoadPairStateMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadPairState("NONEXISTENT")
	if err != nil {
		t.Fatalf("LoadPairState: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing pair state, got %+v", loaded)
	}
}

func TestSavePairStateOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SavePairState("BTCUSDT", types.PairState{SpotSize: decimal.NewFromInt(10)})
	_ = s.SavePairState("BTCUSDT", types.PairState{SpotSize: decimal.NewFromInt(20)})

	loaded, err := s.LoadPairState("BTCUSDT")
	if err != nil {
		t.Fatalf("LoadPairState: %v", err)
	}
	if !loaded.SpotSize.Equal(decimal.NewFromInt(20)) {
		t.Errorf("SpotSize = %v, want 20 (latest save)", loaded.SpotSize)
	}
}

func TestDeletePairStateRemovesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SavePairState("BTCUSDT", types.PairState{SpotSize: decimal.NewFromInt(10)})
	if err := s.DeletePairState("BTCUSDT"); err != nil {
		t.Fatalf("DeletePairState: %v", err)
	}

	loaded, err := s.LoadPairState("BTCUSDT")
	if err != nil {
		t.Fatalf("LoadPairState: %v", err)
	}
	if loaded != nil {
		t.Error("expected nil after delete")
	}
}

func TestDeletePairStateMissingIsNotError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.DeletePairState("NONEXISTENT"); err != nil {
		t.Errorf("expected no error deleting missing pair state, got %v", err)
	}
}

func TestSaveAndLoadHourlyPnL(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	series := []decimal.Decimal{decimal.NewFromInt(1000), decimal.NewFromInt(1200), decimal.NewFromInt(900)}
	if err := s.SaveHourlyPnL(series); err != nil {
		t.Fatalf("SaveHourlyPnL: %v", err)
	}

	loaded, err := s.LoadHourlyPnL()
	if err != nil {
		t.Fatalf("LoadHourlyPnL: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("len(loaded) = %d, want 3", len(loaded))
	}
	if !loaded[1].Equal(decimal.NewFromInt(1200)) {
		t.Errorf("loaded[1] = %v, want 1200", loaded[1])
	}
}

func TestLoadHourlyPnLMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadHourlyPnL()
	if err != nil {
		t.Fatalf("LoadHourlyPnL: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing hourly pnl, got %v", loaded)
	}
}
