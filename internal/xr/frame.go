// Package xr holds the data model for the VR input bridge: the Frame value
// produced for every accepted packet and the packet statistics collected by
// the listener.
package xr

import (
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// PoseFields is the number of pose values at the start of every packet:
	// 4+2+3 for each hand and 4+3 for the head.
	PoseFields = 25

	// TrailingFields is the number of values that may follow the pose
	// block (IPD, FOV X, FOV Y, sync counter).
	TrailingFields = 4

	// MinNumericTokens is the smallest accepted packet: the pose block
	// with every trailing field left out. Older receivers required 27
	// tokens (pose plus IPD and FOV X); that rule is deliberately relaxed
	// so a pose-only packet is a complete frame.
	MinNumericTokens = PoseFields
)

// Quat is a rotation in the sender's (x, y, z, w) component order. The
// parser does not normalise it.
type Quat struct {
	X, Y, Z, W float64
}

// Number converts q to a gonum quaternion with W as the real part.
func (q Quat) Number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// Norm returns the magnitude of q. Unit rotations have a norm of 1.
func (q Quat) Norm() float64 {
	return quat.Abs(q.Number())
}

// Frame is one parsed input sample. It is created once per accepted packet
// and handed to subscribers by value.
type Frame struct {
	LeftRotation Quat
	LeftThumbX   float64
	LeftThumbY   float64
	LeftPosition r3.Vec

	RightRotation Quat
	RightThumbX   float64
	RightThumbY   float64
	RightPosition r3.Vec

	HeadRotation Quat
	HeadPosition r3.Vec

	// Optional trailing fields; zero when the packet stops short of them.
	IPD  float64
	FOVX float64
	FOVY float64
	Sync float64

	// Trailing is how many of IPD, FOVX, FOVY and Sync the packet carried
	// (0-4).
	Trailing int

	// Buttons is the trailing button token, one character per button.
	Buttons string
}

// Pressed reports whether button i is encoded with a truthy marker.
// Out of range indices report false.
func (f Frame) Pressed(i int) bool {
	if i < 0 || i >= len(f.Buttons) {
		return false
	}
	c := f.Buttons[i]
	return c == 'T' || c == 't'
}

// HeadForward returns the +Z unit axis rotated by the head rotation.
func (f Frame) HeadForward() r3.Vec {
	return r3.Rotation(f.HeadRotation.Number()).Rotate(r3.Vec{Z: 1})
}

// String renders a short positional summary suitable for a log line.
func (f Frame) String() string {
	return fmt.Sprintf("LPos=%.2f,%.2f,%.2f RPos=%.2f,%.2f,%.2f HPos=%.2f,%.2f,%.2f Buttons='%s'",
		f.LeftPosition.X, f.LeftPosition.Y, f.LeftPosition.Z,
		f.RightPosition.X, f.RightPosition.Y, f.RightPosition.Z,
		f.HeadPosition.X, f.HeadPosition.Y, f.HeadPosition.Z,
		f.Buttons)
}
