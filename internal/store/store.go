// Package store persists runtime status, entry barriers and the fill journal as files under
// one state directory.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-grid/internal/core"
)

const (
	fillLedgerMaxEntries    = 20000
	fillLedgerTrimToEntries = 16000
)

type RuntimeStatus struct {
	Mode        string    `json:"mode"`
	InstanceID  string    `json:"instance_id"`
	PID         int       `json:"pid"`
	State       string    `json:"state"`
	Symbols     int       `json:"symbols"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastCycleAt time.Time `json:"last_cycle_at,omitempty"`
	Cycles      int64     `json:"cycles"`
	LastError   string    `json:"last_error,omitempty"`
}

// EntryBarrier is the last primary candle on which each side attempted an entry.
type EntryBarrier struct {
	LongEntry  time.Time `json:"long_entry,omitempty"`
	ShortEntry time.Time `json:"short_entry,omitempty"`
}

type entryBarriersFile struct {
	Symbols   map[string]EntryBarrier `json:"symbols"`
	UpdatedAt time.Time               `json:"updated_at"`
}

type fillLedgerEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seen_at"`
}

type Store struct {
	root   string
	logger *zap.Logger

	mu           sync.Mutex
	ledgerLoaded bool
	ledger       map[string]struct{}
	ledgerOrder  []fillLedgerEntry
}

func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	var status RuntimeStatus
	ok, err := readJSON(s.runtimeStatusPath(), &status)
	return status, ok, err
}

func (s *Store) SaveEntryBarriers(barriers map[string]EntryBarrier) error {
	payload := entryBarriersFile{Symbols: barriers, UpdatedAt: time.Now().UTC()}
	if payload.Symbols == nil {
		payload.Symbols = make(map[string]EntryBarrier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.barriersPath(), payload)
}

func (s *Store) LoadEntryBarriers() (map[string]EntryBarrier, error) {
	var payload entryBarriersFile
	ok, err := readJSON(s.barriersPath(), &payload)
	if err != nil || !ok || payload.Symbols == nil {
		return make(map[string]EntryBarrier), err
	}
	return payload.Symbols, nil
}

// RecordFill appends a fill to the daily journal unless the same execution was already recorded.
// It reports whether the fill was new.
func (s *Store) RecordFill(trade core.Trade) (bool, error) {
	if trade.Time.IsZero() {
		trade.Time = time.Now().UTC()
	}
	key := FillKey(trade)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLedgerLocked(); err != nil {
		return false, err
	}
	if _, ok := s.ledger[key]; ok {
		return false, nil
	}
	if err := s.appendTradeLocked(trade); err != nil {
		return false, err
	}
	entry := fillLedgerEntry{Key: key, SeenAt: trade.Time.UTC()}
	if err := appendJSONLine(s.ledgerPath(), entry); err != nil {
		return false, err
	}
	s.ledger[key] = struct{}{}
	s.ledgerOrder = append(s.ledgerOrder, entry)
	if len(s.ledgerOrder) > fillLedgerMaxEntries {
		if err := s.trimLedgerLocked(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// FillKey identifies one execution of an order.
func FillKey(trade core.Trade) string {
	return trade.Symbol + "|" + trade.OrderID + "|" + trade.Qty.String() + "|" + trade.Time.UTC().Format(time.RFC3339Nano)
}

// Trades reads the journal of one UTC day.
func (s *Store) Trades(day time.Time) ([]core.Trade, error) {
	f, err := os.Open(s.tradesPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []core.Trade
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var t core.Trade
		if err := json.Unmarshal(line, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, scanner.Err()
}

func (s *Store) appendTradeLocked(trade core.Trade) error {
	path := s.tradesPath(trade.Time)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return appendJSONLine(path, trade)
}

func (s *Store) loadLedgerLocked() error {
	if s.ledgerLoaded {
		return nil
	}
	s.ledger = make(map[string]struct{})
	s.ledgerOrder = nil
	f, err := os.Open(s.ledgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.ledgerLoaded = true
			return nil
		}
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		var entry fillLedgerEntry
		if err := json.Unmarshal(bytes.TrimSpace(scanner.Bytes()), &entry); err != nil {
			continue
		}
		entry.Key = strings.TrimSpace(entry.Key)
		if entry.Key == "" {
			continue
		}
		if _, dup := s.ledger[entry.Key]; dup {
			continue
		}
		s.ledger[entry.Key] = struct{}{}
		s.ledgerOrder = append(s.ledgerOrder, entry)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	s.ledgerLoaded = true
	if len(s.ledgerOrder) > fillLedgerMaxEntries {
		return s.trimLedgerLocked()
	}
	return nil
}

func (s *Store) trimLedgerLocked() error {
	kept := append([]fillLedgerEntry(nil), s.ledgerOrder[len(s.ledgerOrder)-fillLedgerTrimToEntries:]...)
	tmp, err := os.CreateTemp(s.root, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	if err := s.commitTemp(tmp, s.ledgerPath()); err != nil {
		return err
	}
	s.ledgerOrder = kept
	s.ledger = make(map[string]struct{}, len(kept))
	for _, e := range kept {
		s.ledger[e.Key] = struct{}{}
	}
	return nil
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) barriersPath() string {
	return filepath.Join(s.root, "entry_barriers.json")
}

func (s *Store) ledgerPath() string {
	return filepath.Join(s.root, "fill_ledger.jsonl")
}

func (s *Store) tradesPath(day time.Time) string {
	return filepath.Join(s.root, "trades", day.UTC().Format("2006-01-02")+".jsonl")
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	return s.commitTemp(tmp, path)
}

// commitTemp syncs, closes and renames tmp over path.
func (s *Store) commitTemp(tmp *os.File, path string) error {
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	s.syncDir(filepath.Dir(path))
	return nil
}

// syncDir is best effort; a failure only weakens rename durability.
func (s *Store) syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		s.logger.Warn("store_dir_fsync_skipped", zap.String("dir", dir), zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Warn("store_dir_fsync_failed", zap.String("dir", dir), zap.Error(err))
	}
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return false, errors.New("empty state file: " + filepath.Base(path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
