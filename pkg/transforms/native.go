package transforms

import (
	"neurocoreg/internal/log"
	"neurocoreg/internal/models"
	"neurocoreg/pkg/frames"
)

// ComputeNativeHeadT returns the head->frame transform implied by the
// montage fiducials. A montage already in head coordinates, or one without
// fiducials, yields the identity.
func ComputeNativeHeadT(m *models.Montage) (Transform, error) {
	if m.Frame == frames.Head {
		return Identity(frames.Head, frames.MRI), nil
	}
	if m.Fiducials == nil {
		log.Warn("montage has no fiducials, using identity head transform", "frame", m.Frame.Name())
		return Identity(frames.Head, m.Frame), nil
	}
	f := m.Fiducials
	toHead := FromAffine(m.Frame, frames.Head, RASToNeuromag(f.Nasion, f.LPA, f.RPA))
	return toHead.Inverse()
}
