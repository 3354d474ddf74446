package detector

import (
	"image"
	"slices"

	"github.com/disintegration/imaging"

	"github.com/tphakala/trackfill/internal/annotation"
)

// outputChannels is the per-prediction layout of the model output: cx, cy, w, h, conf.
const outputChannels = 5

// Preprocess resizes img to width x height and writes it into dst as planar
// CHW float32 in [0,1]. dst must hold 3*width*height values.
func Preprocess(img image.Image, width, height int, dst []float32) {
	resized := imaging.Resize(img, width, height, imaging.Linear)
	channelSize := width * height
	for y := range height {
		offset := y * width
		row := resized.Pix[y*resized.Stride:]
		for x := range width {
			i := offset + x
			p := row[x*4 : x*4+4]
			dst[i] = float32(p[0]) / 255.0
			dst[channelSize+i] = float32(p[1]) / 255.0
			dst[channelSize*2+i] = float32(p[2]) / 255.0
		}
	}
}

// Geometry describes how model output coordinates map back to the source frame.
type Geometry struct {
	InputWidth   int
	InputHeight  int
	SourceWidth  int
	SourceHeight int
	// Normalized is set when the model emits coordinates in [0,1] instead of
	// input pixels.
	Normalized bool
}

// Decode converts a [1,5,N] channel-major prediction tensor into detections
// in source-frame pixels. Boxes are not clamped to the frame. Predictions with
// confidence below floor are dropped.
func Decode(predictions []float32, n int, g Geometry, floor float64) []annotation.Detection {
	if n <= 0 || len(predictions) < outputChannels*n {
		return nil
	}

	scaleX := float64(g.SourceWidth) / float64(g.InputWidth)
	scaleY := float64(g.SourceHeight) / float64(g.InputHeight)
	unitX, unitY := 1.0, 1.0
	if g.Normalized {
		unitX, unitY = float64(g.InputWidth), float64(g.InputHeight)
	}

	var out []annotation.Detection
	for i := range n {
		conf := float64(predictions[4*n+i])
		if conf < floor {
			continue
		}
		cx := float64(predictions[i]) * unitX
		cy := float64(predictions[n+i]) * unitY
		w := float64(predictions[2*n+i]) * unitX
		h := float64(predictions[3*n+i]) * unitY

		out = append(out, annotation.Detection{
			TopLeft:     [2]float64{(cx - w/2) * scaleX, (cy - h/2) * scaleY},
			BottomRight: [2]float64{(cx + w/2) * scaleX, (cy + h/2) * scaleY},
			Probability: []float64{conf},
		})
	}
	return out
}

// NMS keeps the highest scoring box of every group overlapping by more than
// iouThreshold. The result is ordered by descending score.
func NMS(dets []annotation.Detection, iouThreshold float64) []annotation.Detection {
	if len(dets) == 0 {
		return nil
	}
	sorted := slices.Clone(dets)
	slices.SortStableFunc(sorted, func(a, b annotation.Detection) int {
		switch sa, sb := a.Score(), b.Score(); {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		default:
			return 0
		}
	})

	kept := make([]annotation.Detection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && IoU(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// IoU is the intersection over union of two boxes.
func IoU(a, b annotation.Detection) float64 {
	ix1 := max(a.TopLeft[0], b.TopLeft[0])
	iy1 := max(a.TopLeft[1], b.TopLeft[1])
	ix2 := min(a.BottomRight[0], b.BottomRight[0])
	iy2 := min(a.BottomRight[1], b.BottomRight[1])

	inter := max(0, ix2-ix1) * max(0, iy2-iy1)
	union := area(a) + area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func area(d annotation.Detection) float64 {
	return max(0, d.BottomRight[0]-d.TopLeft[0]) * max(0, d.BottomRight[1]-d.TopLeft[1])
}

// mirror reflects boxes detected on a horizontally flipped frame of the given
// width back into the original orientation.
func mirror(dets []annotation.Detection, width int) {
	w := float64(width)
	for i := range dets {
		x1, x2 := dets[i].TopLeft[0], dets[i].BottomRight[0]
		dets[i].TopLeft[0] = w - x2
		dets[i].BottomRight[0] = w - x1
	}
}
