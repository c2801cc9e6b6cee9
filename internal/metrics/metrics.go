package metrics

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/getsentry/sampleagg/internal/frame"
	"github.com/getsentry/sampleagg/internal/profile"
)

type FunctionsMetadata struct {
	MaxVal   uint64
	WorstID  string
	Examples []string
}

// FunctionStats accumulates a function over several profiles. SelfTimesNS
// holds one exclusive weight per profile the function was seen in.
type FunctionStats struct {
	Function      string
	Module        string
	Fingerprint   uint64
	SelfTimesNS   []uint64
	SumSelfTimeNS uint64
	SumTimeNS     uint64
	ProfileCount  uint64
}

type Aggregator struct {
	MaxUniqueFunctions uint
	MaxNumOfExamples   uint
	TotalWeightNS      uint64
	Functions          map[uint64]FunctionStats
	FunctionsMetadata  map[uint64]FunctionsMetadata
}

type FunctionMetrics struct {
	Name        string   `json:"name"`
	Module      string   `json:"module"`
	Fingerprint uint64   `json:"fingerprint"`
	P75         uint64   `json:"p75"`
	P95         uint64   `json:"p95"`
	P99         uint64   `json:"p99"`
	Avg         float64  `json:"avg"`
	Sum         uint64   `json:"sum"`
	Total       uint64   `json:"total"`
	Percentage  float64  `json:"percentage"`
	Count       uint64   `json:"count"`
	Worst       string   `json:"worst"`
	Examples    []string `json:"examples"`
}

func NewAggregator(MaxUniqueFunctions uint, MaxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueFunctions: MaxUniqueFunctions,
		MaxNumOfExamples:   MaxNumOfExamples,
		Functions:          make(map[uint64]FunctionStats),
		FunctionsMetadata:  make(map[uint64]FunctionsMetadata),
	}
}

// Fingerprint identifies a function by its module and name, so the same
// function matches across profiles of different dumps.
func Fingerprint(f *frame.Function) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(f.ModuleName)
	_, _ = h.WriteString("!")
	_, _ = h.WriteString(f.Name)
	return h.Sum64()
}

// AddProfile adds the functions of p, identifying the profile with ID.
func (ma *Aggregator) AddProfile(p *profile.ProfileData, ID string) {
	ma.TotalWeightNS += nanoseconds(p.ProfileWeight)
	for f, d := range p.FunctionProfiles {
		fingerprint := Fingerprint(f)
		self := nanoseconds(d.ExclusiveWeight)
		if fn, ok := ma.Functions[fingerprint]; ok {
			fn.SelfTimesNS = append(fn.SelfTimesNS, self)
			fn.SumSelfTimeNS += self
			fn.SumTimeNS += nanoseconds(d.Weight)
			fn.ProfileCount++
			funcMetadata := ma.FunctionsMetadata[fingerprint]
			if self > funcMetadata.MaxVal {
				funcMetadata.MaxVal = self
				funcMetadata.WorstID = ID
			}
			if len(funcMetadata.Examples) < int(ma.MaxNumOfExamples) {
				funcMetadata.Examples = append(funcMetadata.Examples, ID)
			}
			ma.FunctionsMetadata[fingerprint] = funcMetadata
			ma.Functions[fingerprint] = fn
		} else {
			ma.Functions[fingerprint] = FunctionStats{
				Function:      f.Name,
				Module:        f.ModuleName,
				Fingerprint:   fingerprint,
				SelfTimesNS:   []uint64{self},
				SumSelfTimeNS: self,
				SumTimeNS:     nanoseconds(d.Weight),
				ProfileCount:  1,
			}
			ma.FunctionsMetadata[fingerprint] = FunctionsMetadata{
				MaxVal:   self,
				WorstID:  ID,
				Examples: []string{ID},
			}
		}
	}
}

// ToMetrics returns the functions by exclusive weight, heaviest first.
func (ma *Aggregator) ToMetrics() []FunctionMetrics {
	metrics := make([]FunctionMetrics, 0, len(ma.Functions))

	for _, f := range ma.Functions {
		sort.Slice(f.SelfTimesNS, func(i, j int) bool {
			return f.SelfTimesNS[i] < f.SelfTimesNS[j]
		})
		p75, _ := quantile(f.SelfTimesNS, 0.75)
		p95, _ := quantile(f.SelfTimesNS, 0.95)
		p99, _ := quantile(f.SelfTimesNS, 0.99)
		var percentage float64
		if ma.TotalWeightNS > 0 {
			percentage = float64(f.SumSelfTimeNS) / float64(ma.TotalWeightNS)
		}
		metrics = append(metrics, FunctionMetrics{
			Name:        f.Function,
			Module:      f.Module,
			Fingerprint: f.Fingerprint,
			P75:         p75,
			P95:         p95,
			P99:         p99,
			Avg:         float64(f.SumSelfTimeNS) / float64(len(f.SelfTimesNS)),
			Sum:         f.SumSelfTimeNS,
			Total:       f.SumTimeNS,
			Percentage:  percentage,
			Count:       f.ProfileCount,
			Worst:       ma.FunctionsMetadata[f.Fingerprint].WorstID,
			Examples:    ma.FunctionsMetadata[f.Fingerprint].Examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		return metrics[i].Fingerprint < metrics[j].Fingerprint
	})
	if len(metrics) > int(ma.MaxUniqueFunctions) {
		metrics = metrics[:ma.MaxUniqueFunctions]
	}
	return metrics
}

// FromProfile returns the metrics of the maxFunctions heaviest functions of p.
func FromProfile(p *profile.ProfileData, maxFunctions uint) []FunctionMetrics {
	ma := NewAggregator(maxFunctions, 1)
	ma.AddProfile(p, "profile")
	return ma.ToMetrics()
}

func nanoseconds(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d.Nanoseconds())
}

func quantile(values []uint64, q float64) (uint64, error) {
	if len(values) == 0 {
		return 0, errors.New("cannot compute percentile from empty list")
	}
	if q <= 0 || q > 1 {
		return 0, errors.New("q must be a value between 0 and 1.0")
	}
	index := int(math.Ceil(float64(len(values))*q)) - 1
	return values[index], nil
}
