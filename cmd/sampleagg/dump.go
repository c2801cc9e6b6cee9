package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/getsentry/sampleagg/internal/errorutil"
	"github.com/getsentry/sampleagg/internal/frame"
	"github.com/getsentry/sampleagg/internal/sample"
)

type (
	// Dump is the serialized form of a sample store. Frames reference
	// functions by id, and id 0 marks an unresolved frame.
	Dump struct {
		Images    []frame.Image  `json:"images"`
		Functions []DumpFunction `json:"functions"`
		Samples   []DumpSample   `json:"samples"`
	}

	DumpFunction struct {
		ID        uint32 `json:"id"`
		Name      string `json:"name"`
		Module    string `json:"module"`
		ImageID   int    `json:"image_id"`
		RVA       int64  `json:"rva"`
		Size      int64  `json:"size,omitempty"`
		IsKernel  bool   `json:"is_kernel,omitempty"`
		IsManaged bool   `json:"is_managed,omitempty"`
	}

	DumpSample struct {
		TimestampNS int64       `json:"timestamp_ns"`
		WeightNS    int64       `json:"weight_ns"`
		ProcessID   int         `json:"process_id"`
		ThreadID    int         `json:"thread_id"`
		Frames      []DumpFrame `json:"frames"`
	}

	// DumpFrame is one frame of a sample, leaf first.
	DumpFrame struct {
		FunctionID uint32 `json:"function_id,omitempty"`
		RVA        int64  `json:"rva"`
	}
)

// Store resolves the dump into a sample store. Samples are ordered by
// timestamp.
func (d *Dump) Store() (*sample.Store, error) {
	images := make(map[int]*frame.Image, len(d.Images))
	for i := range d.Images {
		img := d.Images[i]
		images[img.ID] = &img
	}
	details := make(map[uint32]*frame.Details, len(d.Functions))
	for _, f := range d.Functions {
		if f.ID == 0 {
			return nil, fmt.Errorf("dump: %w: function %q has id 0", errorutil.ErrInvalidInput, f.Name)
		}
		if _, exists := details[f.ID]; exists {
			return nil, fmt.Errorf("dump: %w: duplicate function id %d", errorutil.ErrInvalidInput, f.ID)
		}
		img, ok := images[f.ImageID]
		if !ok {
			return nil, fmt.Errorf("dump: %w: function %d references unknown image %d", errorutil.ErrInvalidInput, f.ID, f.ImageID)
		}
		details[f.ID] = &frame.Details{
			Function:      &frame.Function{ID: f.ID, Name: f.Name, ModuleName: f.Module},
			Image:         img,
			DebugInfo:     &frame.DebugInfo{Name: f.Name, RVA: f.RVA, Size: f.Size},
			IsKernelCode:  f.IsKernel,
			IsManagedCode: f.IsManaged,
		}
	}

	samples := make([]DumpSample, len(d.Samples))
	copy(samples, d.Samples)
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].TimestampNS < samples[j].TimestampNS
	})

	entries := make([]sample.Entry, 0, len(samples))
	for i, s := range samples {
		frames := make([]frame.Resolved, 0, len(s.Frames))
		for _, fr := range s.Frames {
			r := frame.Resolved{FrameRVA: fr.RVA}
			if fr.FunctionID != 0 {
				det, ok := details[fr.FunctionID]
				if !ok {
					return nil, fmt.Errorf("dump: %w: sample %d references unknown function %d", errorutil.ErrInvalidInput, i, fr.FunctionID)
				}
				r.Details = det
			}
			frames = append(frames, r)
		}
		entries = append(entries, sample.Entry{
			Sample: sample.Sample{
				Time:   time.Duration(s.TimestampNS),
				Weight: time.Duration(s.WeightNS),
			},
			Stack: &sample.ResolvedStack{
				Frames:  frames,
				Context: sample.Context{ProcessID: s.ProcessID, ThreadID: s.ThreadID},
			},
		})
	}
	return sample.NewStore(entries)
}
