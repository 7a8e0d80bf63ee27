// Package indicators computes the price indicators the technical specialist
// feeds to the model. All functions take closes oldest-first and report ok=false
// when the series is too short.
package indicators

import "math"

// SMA is the simple moving average of the last window closes.
func SMA(closes []float64, window int) (float64, bool) {
	if window <= 0 || len(closes) < window {
		return 0, false
	}
	var sum float64
	for _, c := range closes[len(closes)-window:] {
		sum += c
	}
	return sum / float64(window), true
}

// EMASeries returns the exponential moving average aligned with closes,
// seeded with the SMA of the first window values. Entries before the seed
// are NaN.
func EMASeries(closes []float64, window int) []float64 {
	out := make([]float64, len(closes))
	if window <= 0 || len(closes) < window {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	k := 2 / float64(window+1)
	var seed float64
	for i := 0; i < window; i++ {
		seed += closes[i]
		out[i] = math.NaN()
	}
	out[window-1] = seed / float64(window)
	for i := window; i < len(closes); i++ {
		out[i] = closes[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI is Wilder's relative strength index over period.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD uses the conventional fast/slow/signal EMAs (12/26/9 by default).
func MACD(closes []float64, fast, slow, signal int) (MACDResult, bool) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(closes) < slow+signal-1 {
		return MACDResult{}, false
	}
	fastEMA := EMASeries(closes, fast)
	slowEMA := EMASeries(closes, slow)
	line := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		line = append(line, fastEMA[i]-slowEMA[i])
	}
	sig := EMASeries(line, signal)
	last := len(line) - 1
	return MACDResult{
		MACD:      line[last],
		Signal:    sig[last],
		Histogram: line[last] - sig[last],
	}, true
}

type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
	// Width is (Upper-Lower)/Middle.
	Width float64
}

// Bollinger computes bands of k population standard deviations around the
// window SMA.
func Bollinger(closes []float64, window int, k float64) (BollingerResult, bool) {
	mid, ok := SMA(closes, window)
	if !ok {
		return BollingerResult{}, false
	}
	var variance float64
	for _, c := range closes[len(closes)-window:] {
		variance += (c - mid) * (c - mid)
	}
	sd := math.Sqrt(variance / float64(window))
	res := BollingerResult{Upper: mid + k*sd, Middle: mid, Lower: mid - k*sd}
	if mid != 0 {
		res.Width = (res.Upper - res.Lower) / mid
	}
	return res, true
}
