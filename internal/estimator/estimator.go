// Package estimator turns historical per-person service durations into a
// shrunk mean, a Student-t confidence interval and an ETA for a position in
// line.
package estimator

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	DefaultPrior       = 10.0
	DefaultPriorWeight = 3.0
	DefaultMinSamples  = 5
	DefaultAlpha       = 0.05

	// Relative standard error assumed when there is no data at all.
	noDataRelativeSE = 0.35
	// Relative standard error assumed for a single sample.
	singleSampleRelativeSE = 0.25
)

// Params tunes the estimator. Zero values fall back to the defaults.
type Params struct {
	Prior       float64 // minutes per person assumed before any data
	PriorWeight float64 // pseudo-observations given to the prior
	MinSamples  int     // below this the standard error is inflated
	Alpha       float64 // 1 - confidence level
}

func (p Params) withDefaults() Params {
	if p.Prior <= 0 {
		p.Prior = DefaultPrior
	}
	if p.PriorWeight <= 0 {
		p.PriorWeight = DefaultPriorWeight
	}
	if p.MinSamples <= 0 {
		p.MinSamples = DefaultMinSamples
	}
	if p.Alpha <= 0 || p.Alpha >= 1 {
		p.Alpha = DefaultAlpha
	}
	return p
}

// Estimate is the per-person service time estimate in minutes.
type Estimate struct {
	Mean               float64  `json:"mean"`
	StdErr             float64  `json:"std_err"`
	CILow              float64  `json:"ci_low"`
	CIHigh             float64  `json:"ci_high"`
	ProbAtOrBelowPrior float64  `json:"prob_at_or_below_prior"`
	SampleCount        int      `json:"sample_count"`
	SampleMean         *float64 `json:"sample_mean"`
	SampleStdDev       *float64 `json:"sample_std_dev"`
}

// ETA is the expected wait for a position, assuming a single server
// processing people one after another.
type ETA struct {
	Position    int     `json:"position"`
	Mean        float64 `json:"mean"`
	Low         float64 `json:"low"`
	High        float64 `json:"high"`
	SampleCount int     `json:"sample_count"`
}

// EstimateServiceTime blends the sample mean with the prior and returns a
// confidence interval around the result. It never fails.
func EstimateServiceTime(samples []float64, params Params) Estimate {
	p := params.withDefaults()
	n := len(samples)

	if n == 0 {
		se := math.Max(1, noDataRelativeSE*p.Prior)
		t := tCritical(p.Alpha, 1)
		return Estimate{
			Mean:               p.Prior,
			StdErr:             se,
			CILow:              math.Max(0, p.Prior-t*se),
			CIHigh:             p.Prior + t*se,
			ProbAtOrBelowPrior: 0.5,
		}
	}

	var sampleMean, sampleSD, seSample float64
	if n > 1 {
		sampleMean, sampleSD = stat.MeanStdDev(samples, nil)
		seSample = sampleSD / math.Sqrt(float64(n))
	} else {
		sampleMean = samples[0]
		seSample = sampleMean * singleSampleRelativeSE
		if seSample == 0 {
			seSample = 1
		}
	}

	nf := float64(n)
	mean := (nf*sampleMean + p.PriorWeight*p.Prior) / (nf + p.PriorWeight)
	se := seSample * math.Sqrt(nf/(nf+p.PriorWeight))
	if n < p.MinSamples {
		se *= math.Sqrt(float64(p.MinSamples) / nf)
	}

	df := math.Max(nf-1, 1)
	t := tCritical(p.Alpha, df)

	est := Estimate{
		Mean:               mean,
		StdErr:             se,
		CILow:              math.Max(0, mean-t*se),
		CIHigh:             mean + t*se,
		ProbAtOrBelowPrior: probAtOrBelow(p.Prior, mean, se, df),
		SampleCount:        n,
		SampleMean:         &sampleMean,
	}
	if n > 1 {
		est.SampleStdDev = &sampleSD
	}
	return est
}

// ForPosition scales the per-person estimate to a place in line. Positions
// below 1 are treated as 1.
func ForPosition(est Estimate, position int) ETA {
	if position < 1 {
		position = 1
	}
	pos := float64(position)
	return ETA{
		Position:    position,
		Mean:        est.Mean * pos,
		Low:         est.CILow * pos,
		High:        est.CIHigh * pos,
		SampleCount: est.SampleCount,
	}
}

func tCritical(alpha, df float64) float64 {
	return studentsT(df).Quantile(1 - alpha/2)
}

// probAtOrBelow is P(true mean <= prior) under a t distribution centred on
// mean. A zero standard error collapses it to 0 or 1.
func probAtOrBelow(prior, mean, se, df float64) float64 {
	if se <= 0 {
		if prior > mean {
			return 1
		}
		return 0
	}
	return studentsT(df).CDF((prior - mean) / se)
}

func studentsT(df float64) distuv.StudentsT {
	return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
}
