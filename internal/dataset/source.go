package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"
)

// Bar is one OHLCV observation.
type Bar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Source materializes a raw OHLCV slice for one symbol. Live vendor
// connectivity is explicitly out of scope (§1); the control plane ships
// only a deterministic synthetic source so the manifest/window pipeline is
// exercised end to end without a market-data dependency.
type Source interface {
	Fetch(symbol, interval string, adjusted bool, start, end string) ([]Bar, error)
}

// SyntheticSource generates a deterministic, seed-derived random walk for
// any (symbol, interval, start, end) tuple, so repeated requests over the
// same parameters are reproducible without caching.
type SyntheticSource struct {
	BarsPerRequest int
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{BarsPerRequest: 256}
}

func (s *SyntheticSource) Fetch(symbol, interval string, adjusted bool, start, end string) ([]Bar, error) {
	n := s.BarsPerRequest
	if n <= 0 {
		n = 256
	}
	seed := fnvSeed(fmt.Sprintf("%s|%s|%v|%s|%s", symbol, interval, adjusted, start, end))
	startTime, err := time.Parse("2006-01-02", start)
	if err != nil {
		return nil, fmt.Errorf("dataset: parse start: %w", err)
	}

	bars := make([]Bar, 0, n)
	price := 100.0
	state := seed
	for i := 0; i < n; i++ {
		state = lcgNext(state)
		delta := (float64(state%2001)/1000.0 - 1.0) * 0.5
		open := price
		close := math.Max(0.01, price+delta)
		high := math.Max(open, close) + 0.1
		low := math.Min(open, close) - 0.1
		bars = append(bars, Bar{
			Timestamp: startTime.Add(time.Duration(i) * barInterval(interval)),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    1000 + float64(state%500),
		})
		price = close
	}
	return bars, nil
}

func barInterval(interval string) time.Duration {
	switch interval {
	case "1d":
		return 24 * time.Hour
	case "1h":
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

func fnvSeed(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func lcgNext(state uint64) uint64 {
	return state*6364136223846793005 + 1442695040888963407
}

func writeBarsJSONL(path string, bars []Bar) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	enc := json.NewEncoder(w)
	for _, b := range bars {
		if err := enc.Encode(b); err != nil {
			return err
		}
	}
	return nil
}

func readBarsJSONL(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var bars []Bar
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var b Bar
		if err := dec.Decode(&b); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, nil
}
