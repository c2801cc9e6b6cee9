package speedscope

import (
	"fmt"
	"sort"
	"time"

	"github.com/getsentry/sampleagg/internal/calltree"
	"github.com/getsentry/sampleagg/internal/frame"
	"github.com/getsentry/sampleagg/internal/sample"
)

const (
	Schema   = "https://www.speedscope.app/file-format-schema.json"
	Exporter = "sampleagg"

	ValueUnitNanoseconds ValueUnit = "nanoseconds"
	ValueUnitCount       ValueUnit = "count"

	EventTypeOpenFrame  EventType = "O"
	EventTypeCloseFrame EventType = "C"

	ProfileTypeEvented ProfileType = "evented"
	ProfileTypeSampled ProfileType = "sampled"
)

type (
	Frame struct {
		Image string `json:"image,omitempty"`
		Name  string `json:"name"`
		Kind  string `json:"kind,omitempty"`
	}

	Event struct {
		Type  EventType `json:"type"`
		Frame int       `json:"frame"`
		At    uint64    `json:"at"`
	}

	EventedProfile struct {
		EndValue   uint64      `json:"endValue"`
		Events     []Event     `json:"events"`
		Name       string      `json:"name"`
		StartValue uint64      `json:"startValue"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
	}

	SampledProfile struct {
		EndValue   uint64      `json:"endValue"`
		Name       string      `json:"name"`
		Samples    [][]int     `json:"samples"`
		StartValue uint64      `json:"startValue"`
		ThreadID   int         `json:"threadID"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
		Weights    []uint64    `json:"weights"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	EventType   string
	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string        `json:"$schema"`
		ActiveProfileIndex int           `json:"activeProfileIndex"`
		DurationNS         uint64        `json:"durationNS"`
		Exporter           string        `json:"exporter"`
		Name               string        `json:"name"`
		Profiles           []interface{} `json:"profiles"`
		Shared             SharedData    `json:"shared"`
	}

	frameIndex struct {
		frames  []Frame
		indices map[*frame.Function]int
	}
)

func newFrameIndex() *frameIndex {
	return &frameIndex{indices: make(map[*frame.Function]int)}
}

func (fi *frameIndex) index(f *frame.Function, kind calltree.Kind) int {
	if i, ok := fi.indices[f]; ok {
		return i
	}
	i := len(fi.frames)
	fr := Frame{Image: f.ModuleBaseName(), Name: f.Name}
	if kind != calltree.KindUnset {
		fr.Kind = kind.String()
	}
	fi.frames = append(fi.frames, fr)
	fi.indices[f] = i
	return i
}

// FromCallTree lays the call tree out as one evented profile: every node
// opens where its previous sibling closed and stays open for its inclusive
// weight.
func FromCallTree(tree *calltree.Tree, name string) Output {
	fi := newFrameIndex()
	var events []Event
	var at uint64

	var visit func(n *calltree.Node)
	visit = func(n *calltree.Node) {
		i := fi.index(n.Function, n.Kind)
		start := at
		events = append(events, Event{Type: EventTypeOpenFrame, Frame: i, At: start})
		for _, c := range tree.Children(n) {
			visit(c)
		}
		at = start + uint64(n.Weight)
		events = append(events, Event{Type: EventTypeCloseFrame, Frame: i, At: at})
	}
	for _, r := range tree.RootNodes() {
		visit(r)
	}

	return Output{
		Schema:   Schema,
		Exporter: Exporter,
		Name:     name,
		Profiles: []interface{}{
			&EventedProfile{
				EndValue: at,
				Events:   events,
				Name:     name,
				Type:     ProfileTypeEvented,
				Unit:     ValueUnitNanoseconds,
			},
		},
		DurationNS: at,
		Shared:     SharedData{Frames: fi.frames},
	}
}

// FromSamples exports the samples of store in [start, end) as one sampled
// profile per thread, heaviest thread first.
func FromSamples(store *sample.Store, start, end int, name string) Output {
	start = min(max(start, 0), store.Len())
	end = min(max(end, start), store.Len())

	fi := newFrameIndex()
	profiles := make(map[int]*SampledProfile)
	var order []int
	var duration time.Duration

	for i := start; i < end; i++ {
		e := &store.Samples[i]
		tid := e.Stack.ThreadID()
		p, ok := profiles[tid]
		if !ok {
			p = &SampledProfile{
				Name:     fmt.Sprintf("%s (thread %d)", name, tid),
				ThreadID: tid,
				Type:     ProfileTypeSampled,
				Unit:     ValueUnitNanoseconds,
			}
			profiles[tid] = p
			order = append(order, tid)
		}

		// Speedscope expects stacks from the root to the leaf.
		stack := make([]int, 0, len(e.Stack.Frames))
		for k := len(e.Stack.Frames) - 1; k >= 0; k-- {
			if f := e.Stack.Frames[k]; !f.IsUnknown() {
				stack = append(stack, fi.index(f.Details.Function, calltree.KindUnset))
			}
		}
		if len(stack) == 0 {
			continue
		}
		w := uint64(e.Sample.Weight)
		p.Samples = append(p.Samples, stack)
		p.Weights = append(p.Weights, w)
		p.EndValue += w
		duration += e.Sample.Weight
	}

	sort.SliceStable(order, func(i, j int) bool {
		return profiles[order[i]].EndValue > profiles[order[j]].EndValue
	})
	o := Output{
		Schema:     Schema,
		Exporter:   Exporter,
		Name:       name,
		DurationNS: uint64(duration),
		Shared:     SharedData{Frames: fi.frames},
	}
	for _, tid := range order {
		o.Profiles = append(o.Profiles, profiles[tid])
	}
	return o
}

// SortSamplesForFlamegraph sorts the stacks of the sampled profiles by frame
// name and counts every sample once.
func (o *Output) SortSamplesForFlamegraph() {
	frames := o.Shared.Frames
	for _, sampledProfile := range o.Profiles {
		// only for Sampled Profiles
		profile, ok := sampledProfile.(*SampledProfile)
		if ok {
			SortSamplesAlphabetically(profile.Samples, frames)

			profile.Unit = ValueUnitCount
			profile.EndValue = uint64(len(profile.Weights))
			for i := 0; i < len(profile.Weights); i++ {
				profile.Weights[i] = 1
			}
		}
	}
}

func SortSamplesAlphabetically(samples [][]int, frames []Frame) {
	sort.Slice(samples, func(i, j int) bool {
		c := 0
		for {
			if len(samples[i]) == c {
				return len(samples[j]) > c
			} else if len(samples[j]) == c {
				return false
			} else {
				if frames[samples[i][c]].Name < frames[samples[j][c]].Name {
					return true
				} else if frames[samples[i][c]].Name > frames[samples[j][c]].Name {
					return false
				} else {
					c += 1
				}
			}
		}
	})
}
