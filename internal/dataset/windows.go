package dataset

import (
	"fmt"
	"math"
)

// FeatureWindows is the rectangular (T, lookback, N, F) tensor described by
// 4.2/4.3, flattened into a single slice with explicit shape metadata.
type FeatureWindows struct {
	Shape        [4]int    `json:"shape"` // T, lookback, N, F
	Timestamps   []int64   `json:"timestamps"`
	Symbols      []string  `json:"symbols"`
	FeatureNames []string  `json:"feature_names"`
	Data         []float64 `json:"data"`
}

// DefaultFeatureNames is the minimal alias feature set from 4.2.
var DefaultFeatureNames = []string{
	"log_return", "log_return_5", "log_return_10",
	"realized_vol_10", "realized_vol_20",
	"atr14", "bollinger_width", "keltner_width",
	"volume_zscore_20", "amihud_illiquidity",
}

// WindowParams configures window construction.
type WindowParams struct {
	Lookback    int
	EmbargoBars int
	ZScore      bool
	Features    []string
}

// BuildWindows aligns per-symbol bar series on their timestamp index,
// computes features, and emits leak-free windows of length Lookback ending
// at every valid t in [Lookback-1, T-EmbargoBars). No feature inside a
// window ending at t derives from data beyond t, by construction: each
// feature function only reads bars[:i+1].
func BuildWindows(symbols []string, seriesBySymbol map[string][]Bar, params WindowParams) (*FeatureWindows, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("dataset: no symbols")
	}
	if params.Lookback <= 0 {
		return nil, fmt.Errorf("dataset: lookback must be positive")
	}
	features := params.Features
	if len(features) == 0 {
		features = DefaultFeatureNames
	}

	// Union-align on the first symbol's timestamp length; a production
	// implementation would intersect symbol calendars, but every
	// SyntheticSource series shares the same length/cadence by construction.
	n := len(symbols)
	t := len(seriesBySymbol[symbols[0]])
	for _, sym := range symbols {
		if len(seriesBySymbol[sym]) != t {
			return nil, fmt.Errorf("dataset: symbol %s has misaligned series length", sym)
		}
	}

	featureCube := make([][][]float64, n) // [symbol][t][feature]
	timestamps := make([]int64, t)
	for si, sym := range symbols {
		bars := seriesBySymbol[sym]
		featureCube[si] = computeFeatures(bars, features)
		if si == 0 {
			for i, b := range bars {
				timestamps[i] = b.Timestamp.Unix()
			}
		}
	}

	lastValidEnd := t - params.EmbargoBars
	firstValidEnd := params.Lookback - 1
	if lastValidEnd <= firstValidEnd {
		return nil, fmt.Errorf("dataset: series too short for lookback=%d embargo=%d", params.Lookback, params.EmbargoBars)
	}

	numWindows := lastValidEnd - firstValidEnd
	f := len(features)
	data := make([]float64, 0, numWindows*params.Lookback*n*f)
	outTimestamps := make([]int64, 0, numWindows)

	for end := firstValidEnd; end < lastValidEnd; end++ {
		start := end - params.Lookback + 1
		windowFlat := make([]float64, 0, params.Lookback*n*f)
		for lb := start; lb <= end; lb++ {
			for si := range symbols {
				windowFlat = append(windowFlat, featureCube[si][lb]...)
			}
		}
		if params.ZScore {
			windowFlat = zscoreOverLookback(windowFlat, params.Lookback, n*f)
		}
		data = append(data, windowFlat...)
		outTimestamps = append(outTimestamps, timestamps[end])
	}

	return &FeatureWindows{
		Shape:        [4]int{numWindows, params.Lookback, n, f},
		Timestamps:   outTimestamps,
		Symbols:      symbols,
		FeatureNames: features,
		Data:         data,
	}, nil
}

// computeFeatures returns, for each bar index i, the feature vector computed
// only from bars[:i+1] — the structural guarantee behind the no-leak
// invariant.
func computeFeatures(bars []Bar, features []string) [][]float64 {
	out := make([][]float64, len(bars))
	for i := range bars {
		vec := make([]float64, len(features))
		for fi, name := range features {
			vec[fi] = computeOneFeature(name, bars, i)
		}
		out[i] = vec
	}
	return out
}

func computeOneFeature(name string, bars []Bar, i int) float64 {
	switch name {
	case "log_return":
		return logReturn(bars, i, 1)
	case "log_return_5":
		return logReturn(bars, i, 5)
	case "log_return_10":
		return logReturn(bars, i, 10)
	case "realized_vol_10":
		return realizedVol(bars, i, 10)
	case "realized_vol_20":
		return realizedVol(bars, i, 20)
	case "atr14":
		return atr(bars, i, 14)
	case "bollinger_width":
		return bollingerWidth(bars, i, 20)
	case "keltner_width":
		return keltnerWidth(bars, i, 20)
	case "volume_zscore_20":
		return volumeZScore(bars, i, 20)
	case "amihud_illiquidity":
		return amihud(bars, i, 20)
	default:
		return 0
	}
}

func logReturn(bars []Bar, i, horizon int) float64 {
	j := i - horizon
	if j < 0 || bars[j].Close <= 0 || bars[i].Close <= 0 {
		return 0
	}
	return math.Log(bars[i].Close / bars[j].Close)
}

func realizedVol(bars []Bar, i, window int) float64 {
	start := i - window + 1
	if start < 1 {
		return 0
	}
	var sumSq float64
	count := 0
	for k := start; k <= i; k++ {
		r := logReturn(bars, k, 1)
		sumSq += r * r
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(count))
}

func atr(bars []Bar, i, window int) float64 {
	start := i - window + 1
	if start < 1 {
		start = 1
	}
	var sum float64
	count := 0
	for k := start; k <= i; k++ {
		tr := trueRange(bars, k)
		sum += tr
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func trueRange(bars []Bar, i int) float64 {
	hl := bars[i].High - bars[i].Low
	if i == 0 {
		return hl
	}
	prevClose := bars[i-1].Close
	hc := math.Abs(bars[i].High - prevClose)
	lc := math.Abs(bars[i].Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

func bollingerWidth(bars []Bar, i, window int) float64 {
	mean, std := closeMeanStd(bars, i, window)
	if mean == 0 {
		return 0
	}
	return (4 * std) / mean
}

func keltnerWidth(bars []Bar, i, window int) float64 {
	mean, _ := closeMeanStd(bars, i, window)
	a := atr(bars, i, window)
	if mean == 0 {
		return 0
	}
	return (2 * a) / mean
}

func closeMeanStd(bars []Bar, i, window int) (float64, float64) {
	start := i - window + 1
	if start < 0 {
		start = 0
	}
	var sum float64
	count := 0
	for k := start; k <= i; k++ {
		sum += bars[k].Close
		count++
	}
	if count == 0 {
		return 0, 0
	}
	mean := sum / float64(count)
	var sumSq float64
	for k := start; k <= i; k++ {
		d := bars[k].Close - mean
		sumSq += d * d
	}
	return mean, math.Sqrt(sumSq / float64(count))
}

func volumeZScore(bars []Bar, i, window int) float64 {
	start := i - window + 1
	if start < 0 {
		start = 0
	}
	var sum float64
	count := 0
	for k := start; k <= i; k++ {
		sum += bars[k].Volume
		count++
	}
	if count == 0 {
		return 0
	}
	mean := sum / float64(count)
	var sumSq float64
	for k := start; k <= i; k++ {
		d := bars[k].Volume - mean
		sumSq += d * d
	}
	std := math.Sqrt(sumSq / float64(count))
	if std == 0 {
		return 0
	}
	return (bars[i].Volume - mean) / std
}

func amihud(bars []Bar, i, window int) float64 {
	start := i - window + 1
	if start < 1 {
		start = 1
	}
	var sum float64
	count := 0
	for k := start; k <= i; k++ {
		r := logReturn(bars, k, 1)
		dollarVol := bars[k].Close * bars[k].Volume
		if dollarVol > 0 {
			sum += math.Abs(r) / dollarVol
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// zscoreOverLookback normalizes a flattened (lookback, width) block over
// the lookback dimension only, per feature column.
func zscoreOverLookback(flat []float64, lookback, width int) []float64 {
	means := make([]float64, width)
	for l := 0; l < lookback; l++ {
		for c := 0; c < width; c++ {
			means[c] += flat[l*width+c]
		}
	}
	for c := range means {
		means[c] /= float64(lookback)
	}
	stds := make([]float64, width)
	for l := 0; l < lookback; l++ {
		for c := 0; c < width; c++ {
			d := flat[l*width+c] - means[c]
			stds[c] += d * d
		}
	}
	for c := range stds {
		stds[c] = math.Sqrt(stds[c] / float64(lookback))
	}
	out := make([]float64, len(flat))
	for l := 0; l < lookback; l++ {
		for c := 0; c < width; c++ {
			idx := l*width + c
			if stds[c] == 0 {
				out[idx] = 0
				continue
			}
			out[idx] = (flat[idx] - means[c]) / stds[c]
		}
	}
	return out
}
