// Package sampletest builds synthetic samples for tests.
package sampletest

import (
	"strings"
	"time"

	"github.com/getsentry/sampleagg/internal/frame"
	"github.com/getsentry/sampleagg/internal/sample"
)

// Unknown marks an unresolved frame in a stack.
const Unknown = "?"

const (
	defaultModule = "app.dll"
	rvaStride     = 0x1000
)

// Functions interns functions by name so that frames naming the same
// function share the same *frame.Function. A name may carry its module as
// "module!name".
type Functions struct {
	details map[string]*frame.Details
	images  map[string]*frame.Image
}

func NewFunctions() *Functions {
	return &Functions{
		details: make(map[string]*frame.Details),
		images:  make(map[string]*frame.Image),
	}
}

func (fs *Functions) Details(name string) *frame.Details {
	if d, ok := fs.details[name]; ok {
		return d
	}
	module, fn := defaultModule, name
	if i := strings.IndexByte(name, '!'); i >= 0 {
		module, fn = name[:i], name[i+1:]
	}
	img, ok := fs.images[module]
	if !ok {
		img = &frame.Image{ID: len(fs.images), Name: module}
		fs.images[module] = img
	}
	id := uint32(len(fs.details) + 1)
	d := &frame.Details{
		Function:  &frame.Function{ID: id, Name: fn, ModuleName: module},
		Image:     img,
		DebugInfo: &frame.DebugInfo{Name: fn, RVA: int64(id) * rvaStride, Size: rvaStride},
	}
	fs.details[name] = d
	return d
}

func (fs *Functions) Function(name string) *frame.Function {
	return fs.Details(name).Function
}

// Frame returns a frame of name at offset bytes into the function.
func (fs *Functions) Frame(name string, offset int64) frame.Resolved {
	if name == Unknown {
		return frame.Resolved{FrameRVA: offset}
	}
	d := fs.Details(name)
	return frame.Resolved{FrameRVA: d.DebugInfo.RVA + offset, Details: d}
}

// Stack builds a stack on thread tid from names ordered leaf first. Every
// frame sits at offset 0x10 into its function.
func (fs *Functions) Stack(tid int, names ...string) *sample.ResolvedStack {
	frames := make([]frame.Resolved, 0, len(names))
	for _, n := range names {
		frames = append(frames, fs.Frame(n, 0x10))
	}
	return &sample.ResolvedStack{
		Frames:  frames,
		Context: sample.Context{ProcessID: 1, ThreadID: tid},
	}
}

// Entries returns one entry per stack, 1ms apart and weighing 1ms each.
func Entries(stacks ...*sample.ResolvedStack) []sample.Entry {
	entries := make([]sample.Entry, 0, len(stacks))
	for i, s := range stacks {
		entries = append(entries, sample.Entry{
			Sample: sample.Sample{
				Time:   time.Duration(i) * time.Millisecond,
				Weight: time.Millisecond,
			},
			Stack: s,
		})
	}
	return entries
}

// Store wraps entries in a store.
func Store(entries []sample.Entry) *sample.Store {
	s, err := sample.NewStore(entries)
	if err != nil {
		panic(err)
	}
	return s
}
