// Package shapes provides axis-labelled tensor shapes and the elementwise
// arithmetic the shape negotiation relies on. Axis labels come from the fixed
// alphabet "btczyx" (batch, time, channel, z, y, x); a shape is an ordered
// sequence of labelled positive extents.
package shapes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Alphabet lists every axis label a shape may carry, in canonical order.
const Alphabet = "btczyx"

// Axis is one labelled extent of a shape.
type Axis struct {
	Label  byte
	Extent int
}

// Shape is an ordered mapping from axis label to extent. The zero value is an
// empty shape. Shapes are immutable: all operations return copies.
type Shape struct {
	axes []Axis
}

// New builds a shape from the given axes. Labels must be unique and drawn
// from Alphabet; extents must be non-negative (zero extents occur as search
// bounds, never as probe results).
func New(axes ...Axis) (Shape, error) {
	seen := map[byte]bool{}
	for _, a := range axes {
		if strings.IndexByte(Alphabet, a.Label) < 0 {
			return Shape{}, fmt.Errorf("unknown axis label %q", string(a.Label))
		}
		if seen[a.Label] {
			return Shape{}, fmt.Errorf("duplicate axis label %q", string(a.Label))
		}
		if a.Extent < 0 {
			return Shape{}, fmt.Errorf("negative extent %d for axis %q", a.Extent, string(a.Label))
		}
		seen[a.Label] = true
	}
	out := make([]Axis, len(axes))
	copy(out, axes)
	return Shape{axes: out}, nil
}

// FromSpacetime builds a batch-less shape from a channel count and a spatial
// extent list. Two extents mean (y, x), three mean (z, y, x), four mean
// (t, z, y, x); anything else is an error.
func FromSpacetime(channels int, spacetime []int) (Shape, error) {
	var labels string
	switch len(spacetime) {
	case 2:
		labels = "yx"
	case 3:
		labels = "zyx"
	case 4:
		labels = "tzyx"
	default:
		return Shape{}, fmt.Errorf("spacetime must have 2, 3 or 4 extents, got %d", len(spacetime))
	}
	axes := make([]Axis, 0, len(spacetime)+1)
	axes = append(axes, Axis{Label: 'c', Extent: channels})
	for i := range spacetime {
		axes = append(axes, Axis{Label: labels[i], Extent: spacetime[i]})
	}
	return New(axes...)
}

// FromOrdered builds a shape by zipping an axis-order string with extents.
// Batch axes are skipped when dropBatch is set, mirroring how negotiated
// output shapes discard the batch dimension.
func FromOrdered(axisOrder string, extents []int, dropBatch bool) (Shape, error) {
	if len(axisOrder) != len(extents) {
		return Shape{}, fmt.Errorf("axis order %q does not match %d extents", axisOrder, len(extents))
	}
	axes := make([]Axis, 0, len(extents))
	for i := 0; i < len(axisOrder); i++ {
		if dropBatch && axisOrder[i] == 'b' {
			continue
		}
		axes = append(axes, Axis{Label: axisOrder[i], Extent: extents[i]})
	}
	return New(axes...)
}

// Len returns the number of axes.
func (s Shape) Len() int { return len(s.axes) }

// Axes returns a copy of the axis sequence.
func (s Shape) Axes() []Axis {
	out := make([]Axis, len(s.axes))
	copy(out, s.axes)
	return out
}

// Labels returns the axis labels in order, e.g. "bcyx".
func (s Shape) Labels() string {
	var b strings.Builder
	for _, a := range s.axes {
		b.WriteByte(a.Label)
	}
	return b.String()
}

// Extents returns the extents in axis order.
func (s Shape) Extents() []int {
	out := make([]int, len(s.axes))
	for i, a := range s.axes {
		out[i] = a.Extent
	}
	return out
}

// Get returns the extent for a label.
func (s Shape) Get(label byte) (int, bool) {
	for _, a := range s.axes {
		if a.Label == label {
			return a.Extent, true
		}
	}
	return 0, false
}

// Has reports whether the shape carries the given axis.
func (s Shape) Has(label byte) bool {
	_, ok := s.Get(label)
	return ok
}

// WithBatch prepends a batch axis of extent n. Calling it on a shape that
// already has a batch axis is an error.
func (s Shape) WithBatch(n int) (Shape, error) {
	if s.Has('b') {
		return Shape{}, fmt.Errorf("shape %s already has a batch axis", s)
	}
	axes := make([]Axis, 0, len(s.axes)+1)
	axes = append(axes, Axis{Label: 'b', Extent: n})
	axes = append(axes, s.axes...)
	return New(axes...)
}

// DropBatch removes the batch axis if present.
func (s Shape) DropBatch() Shape {
	axes := make([]Axis, 0, len(s.axes))
	for _, a := range s.axes {
		if a.Label != 'b' {
			axes = append(axes, a)
		}
	}
	return Shape{axes: axes}
}

// sameAxisSet verifies both shapes carry exactly the same labels. Comparison
// and subtraction are undefined across different axis sets; callers passing
// mismatched shapes have a bug.
func (s Shape) sameAxisSet(o Shape) error {
	if len(s.axes) != len(o.axes) {
		return fmt.Errorf("axis sets differ: %q vs %q", s.Labels(), o.Labels())
	}
	for _, a := range s.axes {
		if !o.Has(a.Label) {
			return fmt.Errorf("axis sets differ: %q vs %q", s.Labels(), o.Labels())
		}
	}
	return nil
}

// LTE reports whether every extent of s compares <= the matching extent of o.
// Both shapes must share the same axis set.
func (s Shape) LTE(o Shape) (bool, error) {
	if err := s.sameAxisSet(o); err != nil {
		return false, err
	}
	for _, a := range s.axes {
		ext, _ := o.Get(a.Label)
		if a.Extent > ext {
			return false, nil
		}
	}
	return true, nil
}

// Sub returns the elementwise difference s - o over the shared axis set.
// Negative differences are allowed at this level; shrinkage validation
// happens in the caller.
func (s Shape) Sub(o Shape) (Shape, error) {
	if err := s.sameAxisSet(o); err != nil {
		return Shape{}, err
	}
	axes := make([]Axis, len(s.axes))
	for i, a := range s.axes {
		ext, _ := o.Get(a.Label)
		axes[i] = Axis{Label: a.Label, Extent: a.Extent - ext}
	}
	return Shape{axes: axes}, nil
}

// Equal reports exact equality of axis sequence and extents.
func (s Shape) Equal(o Shape) bool {
	if len(s.axes) != len(o.axes) {
		return false
	}
	for i := range s.axes {
		if s.axes[i] != o.axes[i] {
			return false
		}
	}
	return true
}

// Order linearizes the extents following an axis-order string such as
// "bczyx". Every character of the order must name an axis of the shape.
func (s Shape) Order(axisOrder string) ([]int, error) {
	out := make([]int, 0, len(axisOrder))
	for i := 0; i < len(axisOrder); i++ {
		ext, ok := s.Get(axisOrder[i])
		if !ok {
			return nil, fmt.Errorf("shape %s has no axis %q required by order %q", s, string(axisOrder[i]), axisOrder)
		}
		out = append(out, ext)
	}
	return out, nil
}

// String renders the shape as e.g. (b=1, c=1, y=64, x=64).
func (s Shape) String() string {
	parts := make([]string, len(s.axes))
	for i, a := range s.axes {
		parts[i] = fmt.Sprintf("%s=%d", string(a.Label), a.Extent)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// payload is the wire form: axis labels as a string plus matching extents.
// A JSON object keyed by label would not preserve axis order.
type payload struct {
	Axes    string `json:"axes"`
	Extents []int  `json:"extents"`
}

// MarshalJSON implements json.Marshaler.
func (s Shape) MarshalJSON() ([]byte, error) {
	return json.Marshal(payload{Axes: s.Labels(), Extents: s.Extents()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Shape) UnmarshalJSON(data []byte) error {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	sh, err := FromOrdered(p.Axes, p.Extents, false)
	if err != nil {
		return err
	}
	*s = sh
	return nil
}
