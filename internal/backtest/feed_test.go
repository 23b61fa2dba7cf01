package backtest

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"perp-grid/internal/core"
)

func TestJSONLFeedMergesFilesByTime(t *testing.T) {
	dir := t.TempDir()
	btc := `{"open_time":1704067200000,"open":"100","high":"101","low":"99","close":"100.5","volume":"3"}
{"open_time":1704067320000,"close":"101"}
`
	eth := `{"t":"2024-01-01T00:01:00Z","c":50,"v":2}
not json
{"symbol":"ethusdt","ts":1704067320,"price":"51"}
`
	if err := os.WriteFile(filepath.Join(dir, "BTCUSDT_1m.jsonl"), []byte(btc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ETHUSDT.jsonl"), []byte(eth), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}

	feed, err := NewJSONLFeed(dir, core.Timeframe1m)
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer feed.Close()

	var got []core.Candle
	for {
		c, err := feed.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, c)
	}
	if len(got) != 4 {
		t.Fatalf("candles = %d, want 4", len(got))
	}
	wantSymbols := []string{"BTCUSDT", "ETHUSDT", "BTCUSDT", "ETHUSDT"}
	for i, c := range got {
		if c.Symbol != wantSymbols[i] {
			t.Fatalf("candle %d symbol = %s, want %s", i, c.Symbol, wantSymbols[i])
		}
		if i > 0 && c.OpenTime.Before(got[i-1].OpenTime) {
			t.Fatalf("candles out of order at %d", i)
		}
		if c.Timeframe != core.Timeframe1m || !c.Closed {
			t.Fatalf("candle %d = %+v", i, c)
		}
	}
	if !got[0].High.Equal(d("101")) || !got[0].Volume.Equal(d("3")) {
		t.Fatalf("first candle = %+v", got[0])
	}
	if !got[2].Open.Equal(d("101")) || !got[2].Low.Equal(d("101")) {
		t.Fatalf("close-only candle = %+v", got[2])
	}
}

func TestJSONLFeedEmptyDirectory(t *testing.T) {
	if _, err := NewJSONLFeed(t.TempDir(), core.Timeframe1m); err == nil {
		t.Fatalf("NewJSONLFeed() on empty dir returned nil error")
	}
}
