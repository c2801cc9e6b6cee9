package frame

import (
	"fmt"
	"path"
)

type (
	// Function identifies a function across every sample of a session. Two
	// frames refer to the same function only if they share the same *Function.
	Function struct {
		ID         uint32 `json:"id"`
		Name       string `json:"name"`
		ModuleName string `json:"module"`
	}

	// Image is a binary image (module) functions are loaded from.
	Image struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}

	// DebugInfo describes where a function lives inside its image.
	DebugInfo struct {
		Name string `json:"name"`
		RVA  int64  `json:"rva"`
		Size int64  `json:"size,omitempty"`
	}

	Details struct {
		Function      *Function
		Image         *Image
		DebugInfo     *DebugInfo
		IsKernelCode  bool
		IsManagedCode bool
	}

	// Resolved is one frame of a resolved stack. FrameRVA is the sampled
	// instruction (or return address) relative to the image base.
	Resolved struct {
		FrameRVA int64
		Details  *Details
	}
)

// IsUnknown reports whether the frame could not be resolved to a function.
// Unknown frames stay in the stack so frame indices remain meaningful.
func (r Resolved) IsUnknown() bool {
	return r.Details == nil || r.Details.Function == nil || r.Details.DebugInfo == nil
}

// Function returns the function of the frame, or nil when it is unknown.
func (r Resolved) Function() *Function {
	if r.IsUnknown() {
		return nil
	}
	return r.Details.Function
}

// Offset returns the instruction offset of the frame relative to the start
// of its function.
func (r Resolved) Offset() int64 {
	return r.FrameRVA - r.Details.DebugInfo.RVA
}

// ImageID returns the id of the owning image, or -1 if it is not known.
func (d *Details) ImageID() int {
	if d.Image == nil {
		return -1
	}
	return d.Image.ID
}

// ModuleBaseName returns the basename of the module if it's a path.
func (f *Function) ModuleBaseName() string {
	if f.ModuleName == "" {
		return ""
	}
	return path.Base(f.ModuleName)
}

func (f *Function) String() string {
	if f == nil {
		return "<unknown>"
	}
	if f.ModuleName == "" {
		return f.Name
	}
	return fmt.Sprintf("%s!%s", f.ModuleBaseName(), f.Name)
}
