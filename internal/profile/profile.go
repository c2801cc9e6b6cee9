package profile

import (
	"math"
	"sort"
	"time"

	"github.com/getsentry/sampleagg/internal/calltree"
	"github.com/getsentry/sampleagg/internal/filter"
	"github.com/getsentry/sampleagg/internal/frame"
)

type (
	// FunctionProfileData aggregates the samples seen in one function.
	// InstructionWeight is keyed by the instruction offset from the start of
	// the function.
	FunctionProfileData struct {
		DebugInfo         *frame.DebugInfo
		Weight            time.Duration
		ExclusiveWeight   time.Duration
		InstructionWeight map[int64]time.Duration
		SampleStartIndex  int
		SampleEndIndex    int
	}

	// ProfileData is the result of an aggregation. TotalWeight and
	// ProfileWeight both sum the weight of the samples admitted by the filter.
	ProfileData struct {
		ProfileWeight    time.Duration
		TotalWeight      time.Duration
		FunctionProfiles map[*frame.Function]*FunctionProfileData
		// ModuleWeights is keyed by image id.
		ModuleWeights map[int]time.Duration
		CallTree      *calltree.Tree
		Filter        *filter.SampleFilter
	}

	FunctionWeight struct {
		Function *frame.Function
		Data     *FunctionProfileData
	}
)

func NewFunctionProfileData(info *frame.DebugInfo) *FunctionProfileData {
	return &FunctionProfileData{
		DebugInfo:         info,
		InstructionWeight: make(map[int64]time.Duration),
		SampleStartIndex:  math.MaxInt,
		SampleEndIndex:    math.MinInt,
	}
}

// AddInstructionSample credits weight to the instruction at offset.
func (d *FunctionProfileData) AddInstructionSample(offset int64, weight time.Duration) {
	if d.InstructionWeight == nil {
		d.InstructionWeight = make(map[int64]time.Duration)
	}
	d.InstructionWeight[offset] += weight
}

// ObserveSample widens the sample index range to include index.
func (d *FunctionProfileData) ObserveSample(index int) {
	d.SampleStartIndex = min(d.SampleStartIndex, index)
	d.SampleEndIndex = max(d.SampleEndIndex, index)
}

// HasSamples reports whether any sample index was observed.
func (d *FunctionProfileData) HasSamples() bool {
	return d.SampleStartIndex <= d.SampleEndIndex
}

func (d *FunctionProfileData) MergeWith(other *FunctionProfileData) {
	d.Weight += other.Weight
	d.ExclusiveWeight += other.ExclusiveWeight
	d.SampleStartIndex = min(d.SampleStartIndex, other.SampleStartIndex)
	d.SampleEndIndex = max(d.SampleEndIndex, other.SampleEndIndex)
	if d.DebugInfo == nil {
		d.DebugInfo = other.DebugInfo
	}
	for offset, w := range other.InstructionWeight {
		d.AddInstructionSample(offset, w)
	}
}

// ScaleWeight returns w relative to the inclusive weight of the function.
func (d *FunctionProfileData) ScaleWeight(w time.Duration) float64 {
	if d.Weight == 0 {
		return 0
	}
	return float64(w) / float64(d.Weight)
}

func (d *FunctionProfileData) Reset() {
	d.Weight = 0
	d.ExclusiveWeight = 0
	d.InstructionWeight = make(map[int64]time.Duration)
	d.SampleStartIndex = math.MaxInt
	d.SampleEndIndex = math.MinInt
}

func New() *ProfileData {
	return &ProfileData{
		FunctionProfiles: make(map[*frame.Function]*FunctionProfileData),
		ModuleWeights:    make(map[int]time.Duration),
	}
}

func (p *ProfileData) AddModuleSample(imageID int, weight time.Duration) {
	p.ModuleWeights[imageID] += weight
}

func (p *ProfileData) FunctionProfile(f *frame.Function) *FunctionProfileData {
	return p.FunctionProfiles[f]
}

func (p *ProfileData) GetOrCreateFunctionProfile(f *frame.Function, info *frame.DebugInfo) *FunctionProfileData {
	d, ok := p.FunctionProfiles[f]
	if !ok {
		d = NewFunctionProfileData(info)
		p.FunctionProfiles[f] = d
	}
	return d
}

// ScaleFunctionWeight returns w relative to the profile weight.
func (p *ProfileData) ScaleFunctionWeight(w time.Duration) float64 {
	if p.ProfileWeight == 0 {
		return 0
	}
	return float64(w) / float64(p.ProfileWeight)
}

// ScaleModuleWeight returns w relative to the total weight.
func (p *ProfileData) ScaleModuleWeight(w time.Duration) float64 {
	if p.TotalWeight == 0 {
		return 0
	}
	return float64(w) / float64(p.TotalWeight)
}

// SortedFunctions returns the functions by exclusive weight, heaviest first.
// Ties are broken by inclusive weight, then by function id.
func (p *ProfileData) SortedFunctions() []FunctionWeight {
	list := make([]FunctionWeight, 0, len(p.FunctionProfiles))
	for f, d := range p.FunctionProfiles {
		list = append(list, FunctionWeight{Function: f, Data: d})
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Data.ExclusiveWeight != b.Data.ExclusiveWeight {
			return a.Data.ExclusiveWeight > b.Data.ExclusiveWeight
		}
		if a.Data.Weight != b.Data.Weight {
			return a.Data.Weight > b.Data.Weight
		}
		return a.Function.ID < b.Function.ID
	})
	return list
}

// MergeFunctionProfiles merges src into dst. Profiles only present in src
// are moved, not copied.
func MergeFunctionProfiles(dst, src map[*frame.Function]*FunctionProfileData) {
	for f, d := range src {
		if existing, ok := dst[f]; ok {
			existing.MergeWith(d)
			continue
		}
		dst[f] = d
	}
}
