package backtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perp-grid/internal/core"
)

// Feed yields closed candles in open-time order across every symbol.
type Feed interface {
	Next() (core.Candle, error)
	Close() error
}

// JSONLFeed reads one .jsonl file or every .jsonl file of a directory. Each file holds the
// candles of one symbol; files are merged by open time.
type JSONLFeed struct {
	timeframe core.Timeframe
	sources   []*source
}

type source struct {
	path    string
	symbol  string
	file    *os.File
	scanner *bufio.Scanner
	head    core.Candle
	hasHead bool
	done    bool
}

func NewJSONLFeed(path string, tf core.Timeframe) (*JSONLFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	feed := &JSONLFeed{timeframe: tf}
	for _, p := range paths {
		src := &source{path: p, symbol: symbolFromPath(p)}
		if err := src.open(); err != nil {
			_ = feed.Close()
			return nil, err
		}
		feed.sources = append(feed.sources, src)
	}
	return feed, nil
}

func (f *JSONLFeed) Close() error {
	var firstErr error
	for _, src := range f.sources {
		if err := src.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Next returns the earliest pending candle; ties go to the file that sorts first.
func (f *JSONLFeed) Next() (core.Candle, error) {
	var best *source
	for _, src := range f.sources {
		if err := src.fill(f.timeframe); err != nil {
			return core.Candle{}, err
		}
		if !src.hasHead {
			continue
		}
		if best == nil || src.head.OpenTime.Before(best.head.OpenTime) {
			best = src
		}
	}
	if best == nil {
		return core.Candle{}, io.EOF
	}
	best.hasHead = false
	return best.head, nil
}

func (s *source) open() error {
	file, err := os.Open(s.path)
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	s.file = file
	s.scanner = scanner
	return nil
}

func (s *source) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.scanner = nil
	return err
}

func (s *source) fill(tf core.Timeframe) error {
	for !s.hasHead && !s.done {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return err
			}
			s.done = true
			return s.close()
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		c, ok := parseCandle(line, s.symbol, tf)
		if !ok {
			continue
		}
		s.head = c
		s.hasHead = true
	}
	return nil
}

// candleRow accepts the long key names written by this tool and the short Binance kline ones.
type candleRow struct {
	Symbol    string   `json:"symbol"`
	S         string   `json:"s"`
	OpenTime  flexTime `json:"open_time"`
	Time      flexTime `json:"time"`
	Timestamp flexTime `json:"timestamp"`
	TS        flexTime `json:"ts"`
	T         flexTime `json:"t"`
	Open      flexDec  `json:"open"`
	O         flexDec  `json:"o"`
	High      flexDec  `json:"high"`
	H         flexDec  `json:"h"`
	Low       flexDec  `json:"low"`
	L         flexDec  `json:"l"`
	Close     flexDec  `json:"close"`
	C         flexDec  `json:"c"`
	Price     flexDec  `json:"price"`
	P         flexDec  `json:"p"`
	Volume    flexDec  `json:"volume"`
	V         flexDec  `json:"v"`
}

func parseCandle(line, symbol string, tf core.Timeframe) (core.Candle, bool) {
	var row candleRow
	if err := json.Unmarshal([]byte(line), &row); err != nil {
		return core.Candle{}, false
	}
	c := core.Candle{Symbol: symbol, Timeframe: tf, Closed: true}
	if name := pick(row.Symbol, row.S); name != "" {
		c.Symbol = strings.ToUpper(name)
	}
	openTime, ok := firstTime(row.OpenTime, row.Time, row.Timestamp, row.TS, row.T)
	if !ok {
		return core.Candle{}, false
	}
	c.OpenTime = openTime.UTC()

	closePrice, ok := firstDec(row.Close, row.C, row.Price, row.P)
	if !ok || closePrice.Sign() <= 0 {
		return core.Candle{}, false
	}
	c.Close = closePrice
	c.Open = orDefault(closePrice, row.Open, row.O)
	c.High = decimal.Max(orDefault(closePrice, row.High, row.H), c.Open, c.Close)
	c.Low = decimal.Min(orDefault(closePrice, row.Low, row.L), c.Open, c.Close)
	c.Volume = orDefault(decimal.Zero, row.Volume, row.V)
	return c, true
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func orDefault(fallback decimal.Decimal, values ...flexDec) decimal.Decimal {
	if d, ok := firstDec(values...); ok {
		return d
	}
	return fallback
}

func firstDec(values ...flexDec) (decimal.Decimal, bool) {
	for _, v := range values {
		if v.set {
			return v.d, true
		}
	}
	return decimal.Zero, false
}

func firstTime(values ...flexTime) (time.Time, bool) {
	for _, v := range values {
		if v.set {
			return v.t, true
		}
	}
	return time.Time{}, false
}

// flexDec decodes a decimal written as a JSON number or a string.
type flexDec struct {
	d   decimal.Decimal
	set bool
}

func (f *flexDec) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	f.d, f.set = d, true
	return nil
}

// flexTime decodes unix seconds or milliseconds, as a number or digit string, or an RFC3339
// timestamp.
type flexTime struct {
	t   time.Time
	set bool
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		v := int64(n)
		if v >= 1_000_000_000_000 {
			f.t = time.UnixMilli(v)
		} else {
			f.t = time.Unix(v, 0)
		}
		f.set = true
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			f.t, f.set = t, true
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", raw)
}

// symbolFromPath uses the file name up to the first underscore or dot: BTCUSDT_1m.jsonl.
func symbolFromPath(path string) string {
	name := filepath.Base(path)
	if i := strings.IndexAny(name, "_."); i > 0 {
		name = name[:i]
	}
	return strings.ToUpper(name)
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, name))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}

var _ Feed = (*JSONLFeed)(nil)
