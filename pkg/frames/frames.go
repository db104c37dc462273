// Package frames is the registry of coordinate frames that transforms map between.
//
// Each frame has an integer code (the FIFF constant), a short canonical name
// used on input, and a human readable display name used in messages.
package frames

import (
	"fmt"
	"sort"
	"strings"
)

// Frame is an integer coordinate frame code.
type Frame int

// Known coordinate frames.
const (
	Unknown  Frame = 0
	MEG      Frame = 1
	Isotrak  Frame = 2
	HPI      Frame = 3
	Head     Frame = 4
	MRI      Frame = 5
	CTFMEG   Frame = 1001
	CTFHead  Frame = 1004
	MRIVoxel Frame = 2001
	RAS      Frame = 2002
	MNITal   Frame = 2003
	FSTal    Frame = 2006
)

var names = map[string]Frame{
	"unknown":   Unknown,
	"meg":       MEG,
	"isotrak":   Isotrak,
	"hpi":       HPI,
	"head":      Head,
	"mri":       MRI,
	"ctf_meg":   CTFMEG,
	"ctf_head":  CTFHead,
	"mri_voxel": MRIVoxel,
	"ras":       RAS,
	"mni_tal":   MNITal,
	"fs_tal":    FSTal,
}

var display = map[Frame]string{
	Unknown:  "unknown",
	MEG:      "MEG device",
	Isotrak:  "isotrak",
	HPI:      "hpi",
	Head:     "head",
	MRI:      "MRI (surface RAS)",
	CTFMEG:   "CTF MEG device",
	CTFHead:  "CTF/4D/KIT head",
	MRIVoxel: "MRI voxel",
	RAS:      "RAS (non-zero origin)",
	MNITal:   "MNI Talairach",
	FSTal:    "FS Talairach",
}

var short = func() map[Frame]string {
	m := make(map[Frame]string, len(names))
	for k, v := range names {
		m[v] = k
	}
	return m
}()

// UnknownFrameError is returned when a frame name is not in the registry.
type UnknownFrameError struct {
	Name string
}

func (e *UnknownFrameError) Error() string {
	quoted := make([]string, 0, len(names))
	for _, n := range Names() {
		quoted = append(quoted, fmt.Sprintf("%q", n))
	}
	return fmt.Sprintf("unknown coordinate frame %q, expected one of %s", e.Name, strings.Join(quoted, ", "))
}

// Names returns the sorted canonical frame names.
func Names() []string {
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ToCode resolves a frame given as a name or as an integer code.
// Integer codes pass through unchanged, even when not registered.
func ToCode(v any) (Frame, error) {
	switch x := v.(type) {
	case Frame:
		return x, nil
	case string:
		f, ok := names[x]
		if !ok {
			return Unknown, &UnknownFrameError{Name: x}
		}
		return f, nil
	case int:
		return Frame(x), nil
	case int8:
		return Frame(x), nil
	case int16:
		return Frame(x), nil
	case int32:
		return Frame(x), nil
	case int64:
		return Frame(x), nil
	case uint:
		return Frame(x), nil
	case uint8:
		return Frame(x), nil
	case uint16:
		return Frame(x), nil
	case uint32:
		return Frame(x), nil
	case uint64:
		return Frame(x), nil
	default:
		return Unknown, fmt.Errorf("coordinate frame must be a string or integer code, got %T", v)
	}
}

// MustCode is ToCode for names known at compile time.
func MustCode(v any) Frame {
	f, err := ToCode(v)
	if err != nil {
		panic(err)
	}
	return f
}

// Known reports whether f is in the registry.
func (f Frame) Known() bool {
	_, ok := display[f]
	return ok
}

// Name returns the canonical short name, or "unknown".
func (f Frame) Name() string {
	if n, ok := short[f]; ok {
		return n
	}
	return "unknown"
}

// String returns the display name, or "unknown" for unregistered codes.
func (f Frame) String() string {
	if s, ok := display[f]; ok {
		return s
	}
	return "unknown"
}

// DisplayName is the display name of an integer code.
func DisplayName(code int) string {
	return Frame(code).String()
}
