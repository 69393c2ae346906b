package rppg

import (
	"errors"
	"math"

	"github.com/montanaflynn/stats"
)

var (
	// ErrInsufficientSamples means the buffer has not reached the warm-up
	// length. It is a state, not a failure.
	ErrInsufficientSamples = errors.New("rppg: insufficient samples")

	// ErrNoPeaks means the filtered signal has fewer than two peaks, so no
	// interval can be measured.
	ErrNoPeaks = errors.New("rppg: fewer than two peaks")

	// ErrFlatSignal means the color trace has no variation at all.
	ErrFlatSignal = errors.New("rppg: flat signal")
)

// flatVariance is the variance below which a trace is treated as constant.
const flatVariance = 1e-9

// Detrend removes the least-squares linear fit from x.
func Detrend(x []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) < 2 {
		copy(out, x)
		return out
	}

	series := make(stats.Series, len(x))
	for i, v := range x {
		series[i] = stats.Coordinate{X: float64(i), Y: v}
	}
	fit, err := stats.LinearRegression(series)
	if err != nil {
		copy(out, x)
		return out
	}
	for i, v := range x {
		out[i] = v - fit[i].Y
	}
	return out
}

// movingAverage returns the centered mean of x over [i-half, i+half],
// truncated at the edges.
func movingAverage(x []float64, half int) []float64 {
	out := make([]float64, len(x))
	if half < 1 {
		copy(out, x)
		return out
	}
	// Prefix sums keep this linear in len(x).
	prefix := make([]float64, len(x)+1)
	for i, v := range x {
		prefix[i+1] = prefix[i] + v
	}
	for i := range x {
		lo := max(0, i-half)
		hi := min(len(x)-1, i+half)
		out[i] = (prefix[hi+1] - prefix[lo]) / float64(hi-lo+1)
	}
	return out
}

// Bandpass approximates a pass band of [lowCut, highCut] Hz at sample rate
// fs with two moving averages. Subtracting a centered mean of half-width
// fs/highCut removes the baseline; a short centered mean of half-width
// fs/(4*highCut) then takes off sample-to-sample noise above the band.
func Bandpass(x []float64, fs, lowCut, highCut float64) []float64 {
	if len(x) == 0 || fs <= 0 || highCut <= 0 || highCut <= lowCut {
		return append([]float64(nil), x...)
	}

	baseline := movingAverage(x, int(math.Floor(fs/highCut)))
	hp := make([]float64, len(x))
	for i := range x {
		hp[i] = x[i] - baseline[i]
	}
	return movingAverage(hp, int(math.Floor(fs/(4*highCut))))
}

// AdaptiveThreshold is median(x) + 0.5 * the root-mean-square deviation of
// x from its median.
func AdaptiveThreshold(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	median, _ := stats.Median(x)
	var ss float64
	for _, v := range x {
		d := v - median
		ss += d * d
	}
	return median + 0.5*math.Sqrt(ss/float64(len(x)))
}

// FindPeaks returns the indices of local maxima above the adaptive
// threshold. Candidates closer than or equal to minDistance samples to the
// previously accepted peak are skipped.
func FindPeaks(x []float64, minDistance int) []int {
	if len(x) < 3 {
		return nil
	}
	if v, _ := stats.PopulationVariance(x); v < flatVariance {
		return nil
	}

	threshold := AdaptiveThreshold(x)
	var peaks []int
	for i := 1; i < len(x)-1; i++ {
		if x[i] > x[i-1] && x[i] > x[i+1] && x[i] > threshold {
			if len(peaks) == 0 || i-peaks[len(peaks)-1] > minDistance {
				peaks = append(peaks, i)
			}
		}
	}
	return peaks
}

// SignalStrength maps the standard deviation of the filtered signal onto
// 0-100, saturating at a deviation of 10 intensity levels.
func SignalStrength(x []float64) float64 {
	sd, err := stats.StandardDeviationPopulation(x)
	if err != nil {
		return 0
	}
	return math.Min(1, sd/10) * 100
}

// Quality blends peak-interval regularity (weight 0.6) with a peak-count
// score (weight 0.4). Intervals are measured in samples.
func Quality(peaks []int) float64 {
	if len(peaks) < 2 {
		return 0
	}
	ibis := intervals(peaks)
	mean, _ := stats.Mean(ibis)
	variance, _ := stats.PopulationVariance(ibis)
	if mean <= 0 {
		return 0
	}
	regularity := 100 / (1 + variance/mean)
	peakScore := math.Min(100, float64(len(peaks))*5)
	return math.Min(100, regularity*0.6+peakScore*0.4)
}

func intervals(peaks []int) []float64 {
	out := make([]float64, 0, len(peaks)-1)
	for i := 1; i < len(peaks); i++ {
		out = append(out, float64(peaks[i]-peaks[i-1]))
	}
	return out
}

// Measurement is the output of one pass of the pulse pipeline.
type Measurement struct {
	HeartRateBPM    float64
	HRVMs           float64
	SignalQuality   float64
	SignalStrength  float64
	IsPhysiological bool
	Confidence      float64
	Peaks           int
}

// Limits bound the physiological plausibility gate.
type Limits struct {
	MinBPM      float64 `toml:"min_bpm" json:"min_bpm" yaml:"min_bpm"`
	MaxBPM      float64 `toml:"max_bpm" json:"max_bpm" yaml:"max_bpm"`
	MinHRVMs    float64 `toml:"min_hrv_ms" json:"min_hrv_ms" yaml:"min_hrv_ms"`
	MaxHRVMs    float64 `toml:"max_hrv_ms" json:"max_hrv_ms" yaml:"max_hrv_ms"`
	MinQuality  float64 `toml:"min_quality" json:"min_quality" yaml:"min_quality"`
	TypicalLow  float64 `toml:"typical_low_bpm" json:"typical_low_bpm" yaml:"typical_low_bpm"`
	TypicalHigh float64 `toml:"typical_high_bpm" json:"typical_high_bpm" yaml:"typical_high_bpm"`
}

// DefaultLimits returns the adult resting ranges.
func DefaultLimits() Limits {
	return Limits{
		MinBPM:      45,
		MaxBPM:      180,
		MinHRVMs:    10,
		MaxHRVMs:    200,
		MinQuality:  30,
		TypicalLow:  50,
		TypicalHigh: 150,
	}
}

// Analyze runs detrend, bandpass, peak detection and the plausibility gate
// over a green-channel trace sampled at fs Hz. Heart rate and HRV are zeroed
// when the result is not physiological.
func Analyze(trace []float64, fs float64, minPeakDistance int, lim Limits) (Measurement, error) {
	if v, err := stats.PopulationVariance(trace); err != nil || v < flatVariance {
		return Measurement{}, ErrFlatSignal
	}

	detrended := Detrend(trace)
	filtered := Bandpass(detrended, fs, 0.7, 4.0)
	peaks := FindPeaks(filtered, minPeakDistance)

	m := Measurement{
		SignalStrength: SignalStrength(filtered),
		Peaks:          len(peaks),
	}
	if len(peaks) < 2 {
		return m, ErrNoPeaks
	}

	ibis := intervals(peaks)
	for i := range ibis {
		ibis[i] = ibis[i] / fs * 1000
	}
	meanIbi, _ := stats.Mean(ibis)
	hrv, _ := stats.StandardDeviationPopulation(ibis)
	hr := math.Round(60000 / meanIbi)
	hrv = math.Round(hrv)

	m.SignalQuality = Quality(peaks)
	m.IsPhysiological = hr >= lim.MinBPM && hr <= lim.MaxBPM &&
		hrv >= lim.MinHRVMs && hrv <= lim.MaxHRVMs &&
		m.SignalQuality > lim.MinQuality

	m.Confidence = m.SignalQuality
	if !m.IsPhysiological {
		m.Confidence *= 0.5
	}
	if hr < lim.TypicalLow || hr > lim.TypicalHigh {
		m.Confidence *= 0.7
	}

	if m.IsPhysiological {
		m.HeartRateBPM = hr
		m.HRVMs = hrv
	}
	return m, nil
}
