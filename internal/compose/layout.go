package compose

import (
	"fmt"
	"strings"
)

// LayoutKind selects the geometric arrangement used to merge a frame pair
type LayoutKind string

const (
	LayoutSideBySide       LayoutKind = "side-by-side"
	LayoutPictureInPicture LayoutKind = "pip"
	LayoutPrimarySecondary LayoutKind = "primary-secondary"
)

// Corner places the picture-in-picture inset
type Corner string

const (
	CornerTopLeft     Corner = "top-left"
	CornerTopRight    Corner = "top-right"
	CornerBottomLeft  Corner = "bottom-left"
	CornerBottomRight Corner = "bottom-right"
)

// Layout is an immutable layout selection. It can be swapped between frames
// without restarting the pipeline.
type Layout struct {
	Kind LayoutKind `json:"kind"`

	// PictureInPicture
	Corner       Corner  `json:"corner,omitempty"`
	SizeFraction float64 `json:"size_fraction,omitempty"`

	// PrimarySecondary
	PrimaryFraction float64 `json:"primary_fraction,omitempty"`
}

// WithDefaults fills unset fields with the standard values
func (l Layout) WithDefaults() Layout {
	if l.Kind == "" {
		l.Kind = LayoutSideBySide
	}
	if l.Corner == "" {
		l.Corner = CornerBottomRight
	}
	if l.SizeFraction <= 0 || l.SizeFraction >= 1 {
		l.SizeFraction = 0.3
	}
	if l.PrimaryFraction <= 0 || l.PrimaryFraction >= 1 {
		l.PrimaryFraction = 0.75
	}
	return l
}

// ParseLayout parses a layout kind name as used by the CLI and API
func ParseLayout(s string) (Layout, error) {
	switch LayoutKind(strings.ToLower(strings.TrimSpace(s))) {
	case LayoutSideBySide:
		return Layout{Kind: LayoutSideBySide}.WithDefaults(), nil
	case LayoutPictureInPicture:
		return Layout{Kind: LayoutPictureInPicture}.WithDefaults(), nil
	case LayoutPrimarySecondary:
		return Layout{Kind: LayoutPrimarySecondary}.WithDefaults(), nil
	default:
		return Layout{}, fmt.Errorf("unknown layout: %q", s)
	}
}

// ParseCorner parses a picture-in-picture corner name
func ParseCorner(s string) (Corner, error) {
	switch Corner(strings.ToLower(strings.TrimSpace(s))) {
	case CornerTopLeft, CornerTopRight, CornerBottomLeft, CornerBottomRight:
		return Corner(strings.ToLower(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("unknown corner: %q", s)
	}
}
