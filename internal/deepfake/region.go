package deepfake

import "livenessd/internal/frame"

// region is a pixel rectangle derived from fractional frame bounds.
type region struct {
	x0, y0, x1, y1 int
}

func fractionRegion(f *frame.Frame, left, top, right, bottom float64) region {
	r := region{
		x0: int(float64(f.Width) * left),
		y0: int(float64(f.Height) * top),
		x1: int(float64(f.Width) * right),
		y1: int(float64(f.Height) * bottom),
	}
	if r.x1 > f.Width {
		r.x1 = f.Width
	}
	if r.y1 > f.Height {
		r.y1 = f.Height
	}
	return r
}

func (r region) empty() bool { return r.x1 <= r.x0 || r.y1 <= r.y0 }

// rgb returns the color channels of pixel (x, y).
func rgb(f *frame.Frame, x, y int) (float64, float64, float64) {
	o := f.Offset(x, y)
	return float64(f.Pix[o]), float64(f.Pix[o+1]), float64(f.Pix[o+2])
}

// luma is the unweighted channel mean.
func luma(f *frame.Frame, x, y int) float64 {
	r, g, b := rgb(f, x, y)
	return (r + g + b) / 3
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
