// Package geometry holds the small planar types shared by the renderer and
// the measurement images: points, pixel rectangles and affine maps.
package geometry

import "math"

// singularDet is the determinant under which a transform has no inverse.
const singularDet = 1e-10

// Point2D is a position in scene or pixel coordinates.
type Point2D struct {
	X, Y float64
}

// NewPoint2D creates a new Point2D.
func NewPoint2D(x, y float64) Point2D {
	return Point2D{X: x, Y: y}
}

// RectInt is a pixel rectangle; X/Y is its first pixel.
type RectInt struct {
	X, Y          int
	Width, Height int
}

// Empty reports whether the rectangle covers no pixels.
func (r RectInt) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Contains reports whether pixel (x, y) is inside.
func (r RectInt) Contains(x, y int) bool {
	return x >= r.X && y >= r.Y && x-r.X < r.Width && y-r.Y < r.Height
}

// Intersect returns the pixels common to r and o, or the zero rectangle.
func (r RectInt) Intersect(o RectInt) RectInt {
	out := RectInt{X: max(r.X, o.X), Y: max(r.Y, o.Y)}
	out.Width = min(r.X+r.Width, o.X+o.Width) - out.X
	out.Height = min(r.Y+r.Height, o.Y+o.Height) - out.Y
	if out.Empty() {
		return RectInt{}
	}
	return out
}

// AffineTransform maps (x, y) to (A*x + B*y + TX, C*x + D*y + TY).
type AffineTransform struct {
	A, B, TX float64
	C, D, TY float64
}

// Translation shifts by (tx, ty).
func Translation(tx, ty float64) AffineTransform {
	return AffineTransform{A: 1, D: 1, TX: tx, TY: ty}
}

// Scale stretches the axes by sx and sy.
func Scale(sx, sy float64) AffineTransform {
	return AffineTransform{A: sx, D: sy}
}

// Rotation turns counter-clockwise by radians about the origin.
func Rotation(radians float64) AffineTransform {
	sin, cos := math.Sincos(radians)
	return AffineTransform{A: cos, B: -sin, C: sin, D: cos}
}

// Apply maps p.
func (t AffineTransform) Apply(p Point2D) Point2D {
	return Point2D{X: t.A*p.X + t.B*p.Y + t.TX, Y: t.C*p.X + t.D*p.Y + t.TY}
}

// Compose returns the transform applying o first, then t.
func (t AffineTransform) Compose(o AffineTransform) AffineTransform {
	origin := t.Apply(Point2D{X: o.TX, Y: o.TY})
	return AffineTransform{
		A: t.A*o.A + t.B*o.C, B: t.A*o.B + t.B*o.D, TX: origin.X,
		C: t.C*o.A + t.D*o.C, D: t.C*o.B + t.D*o.D, TY: origin.Y,
	}
}

// Det returns the determinant of the linear part: the area scale factor.
func (t AffineTransform) Det() float64 {
	return t.A*t.D - t.B*t.C
}

// Inverse returns the inverse map; ok is false when t is singular.
func (t AffineTransform) Inverse() (inv AffineTransform, ok bool) {
	det := t.Det()
	if math.Abs(det) < singularDet {
		return AffineTransform{}, false
	}
	inv = AffineTransform{A: t.D / det, B: -t.B / det, C: -t.C / det, D: t.A / det}
	shift := inv.Apply(Point2D{X: t.TX, Y: t.TY})
	inv.TX, inv.TY = -shift.X, -shift.Y
	return inv, true
}
