package raster

import (
	"fmt"
	"image"
)

// ROI is a rectangular region of interest. The zero width/height ROI is the
// sentinel for "the whole buffer".
type ROI struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FullImage selects the whole buffer.
var FullImage = ROI{}

func NewROI(x, y, width, height int) ROI {
	return ROI{X: x, Y: y, Width: width, Height: height}
}

// IsFullImage reports whether r is the whole-buffer sentinel.
func (r ROI) IsFullImage() bool {
	return r.Width == 0 && r.Height == 0
}

// Rect returns the rectangle covered by r, relative to the buffer origin.
func (r ROI) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Fits reports whether r lies inside a buffer of the given bounds. The full
// image sentinel always fits.
func (r ROI) Fits(bounds image.Rectangle) bool {
	if r.IsFullImage() {
		return true
	}
	if r.X < 0 || r.Y < 0 || r.Width <= 0 || r.Height <= 0 {
		return false
	}
	return r.X+r.Width <= bounds.Dx() && r.Y+r.Height <= bounds.Dy()
}

func (r ROI) String() string {
	if r.IsFullImage() {
		return "full"
	}
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}
