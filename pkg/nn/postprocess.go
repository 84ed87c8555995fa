package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
)

// OutputLayout describes how the flat model output buffer is organized.
type OutputLayout int

const (
	// LayoutChannelFirst is [attributes, boxes]: attribute a of box b lives
	// at a*Boxes + b. This is the YOLOv8-style layout.
	LayoutChannelFirst OutputLayout = iota
	// LayoutTransposed is [boxes, attributes]: attribute a of box b lives
	// at b*Attribs + a. This is the YOLOv5-style layout.
	LayoutTransposed
)

// OutputShape is the resolved interpretation of a raw output buffer.
type OutputShape struct {
	Layout  OutputLayout
	Attribs int // Attributes per box: cx, cy, w, h, optional objectness, class scores
	Boxes   int // Number of candidate boxes (anchors)
}

// Anchor counts produced by the common input resolutions (640, 512, 416,
// 320, 256 square), largest first.
var knownAnchorCounts = []int{8400, 6300, 5376, 3549, 2100, 1344}

// InferOutputShape resolves the layout of a flat output buffer from its
// total length and the model's class count. We first look for an exact
// factorization against the known anchor counts; failing that, an exact
// factorization against the plausible attribute counts (which identifies
// the transposed layout); failing both, we default to channel-first with
// an inferred attribute count.
func InferOutputShape(totalLen, numClasses int) OutputShape {
	plausible := map[int]bool{5: true, 6: true}
	if numClasses > 0 {
		plausible[4+numClasses] = true
		plausible[5+numClasses] = true
	}

	for _, boxes := range knownAnchorCounts {
		if totalLen%boxes == 0 && plausible[totalLen/boxes] {
			return OutputShape{Layout: LayoutChannelFirst, Attribs: totalLen / boxes, Boxes: boxes}
		}
	}

	attrCandidates := []int{}
	if numClasses > 0 {
		attrCandidates = append(attrCandidates, 5+numClasses, 4+numClasses)
	}
	attrCandidates = append(attrCandidates, 6, 5)
	for _, attrs := range attrCandidates {
		if totalLen%attrs == 0 && totalLen/attrs > attrs {
			return OutputShape{Layout: LayoutTransposed, Attribs: attrs, Boxes: totalLen / attrs}
		}
	}

	// No exact match. Assume channel-first over the first anchor count that
	// divides the buffer, or failing even that, 5 attributes.
	for _, boxes := range knownAnchorCounts {
		if totalLen%boxes == 0 {
			return OutputShape{Layout: LayoutChannelFirst, Attribs: totalLen / boxes, Boxes: boxes}
		}
	}
	return OutputShape{Layout: LayoutChannelFirst, Attribs: 5, Boxes: totalLen / 5}
}

// At returns attribute a of box b.
func (s OutputShape) At(raw []float32, a, b int) float32 {
	if s.Layout == LayoutChannelFirst {
		return raw[a*s.Boxes+b]
	}
	return raw[b*s.Attribs+a]
}

// hasObjectness is true when the attribute vector includes a separate
// objectness score before the class scores. When absent, objectness is
// treated as 1.
func (s OutputShape) hasObjectness(numClasses int) bool {
	return s.Attribs == 5+numClasses
}

// DecodeOutput turns a raw flat output buffer into filtered, NMS-suppressed
// detections in frame coordinates.
// Per-box attributes are [centerX, centerY, width, height, (objectness),
// classScores...], in model space. The candidate score is
// objectness * bestClassScore.
func DecodeOutput(raw []float32, shape OutputShape, frameWidth, frameHeight int, xform ResizeTransform, config *ModelConfig, params *DetectionParams) []Detection {
	confThreshold := params.ProbabilityThreshold
	if confThreshold <= 0 {
		confThreshold = DefaultProbabilityThreshold
	}
	iouThreshold := params.NmsIouThreshold
	if iouThreshold <= 0 {
		iouThreshold = DefaultNmsIouThreshold
	}

	numClasses := len(config.Classes)
	scoreStart := 4
	numScores := shape.Attribs - 4
	if shape.hasObjectness(numClasses) {
		scoreStart = 5
		numScores = shape.Attribs - 5
	}

	candidates := []Detection{}
	for b := 0; b < shape.Boxes; b++ {
		objectness := float32(1)
		if scoreStart == 5 {
			objectness = shape.At(raw, 4, b)
		}
		bestClass := 0
		bestScore := float32(0)
		for c := 0; c < numScores; c++ {
			if s := shape.At(raw, scoreStart+c, b); s > bestScore {
				bestScore = s
				bestClass = c
			}
		}
		score := objectness * bestScore
		if score < confThreshold {
			continue
		}

		className := ""
		if bestClass < numClasses {
			className = config.Classes[bestClass]
		}
		if !params.classAllowed(className) {
			continue
		}

		// Undo the letterbox, map the box into frame space, and clip.
		// Floor(x + 0.5) rather than a bare int32 conversion, so that
		// coordinates hanging off the left/top edge (negative in frame
		// space) round the same way as everything else.
		cx := shape.At(raw, 0, b)
		cy := shape.At(raw, 1, b)
		w := shape.At(raw, 2, b)
		h := shape.At(raw, 3, b)
		x1 := math32.Floor(xform.BackwardX(cx-w/2) + 0.5)
		y1 := math32.Floor(xform.BackwardY(cy-h/2) + 0.5)
		x2 := math32.Floor(xform.BackwardX(cx+w/2) + 0.5)
		y2 := math32.Floor(xform.BackwardY(cy+h/2) + 0.5)
		box := Rect{
			X:      int32(x1),
			Y:      int32(y1),
			Width:  int32(x2 - x1),
			Height: int32(y2 - y1),
		}
		box = box.Intersection(Rect{X: 0, Y: 0, Width: int32(frameWidth), Height: int32(frameHeight)})
		if box.Width <= 0 || box.Height <= 0 {
			continue
		}
		if params.MinArea > 0 && box.Area() < params.MinArea {
			continue
		}
		aspect := box.Aspect()
		if params.MinAspect > 0 && aspect < params.MinAspect {
			continue
		}
		if params.MaxAspect > 0 && aspect > params.MaxAspect {
			continue
		}

		candidates = append(candidates, Detection{
			Box:        box,
			Confidence: score,
			Class:      bestClass,
			ClassName:  className,
		})
	}

	return NonMaxSuppression(candidates, iouThreshold)
}

// NonMaxSuppression greedily keeps boxes in descending score order,
// discarding any box whose IoU with an already-kept box exceeds the
// threshold. A spatial index keeps the overlap checks from going O(N^2)
// when a frame produces many candidates.
func NonMaxSuppression(input []Detection, iouThreshold float32) []Detection {
	if len(input) <= 1 {
		return input
	}

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})

	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, det := range input {
		fb.Add(det.Box.X, det.Box.Y, det.Box.X2(), det.Box.Y2())
	}
	fb.Finish()

	kept := make([]bool, len(input))
	result := make([]Detection, 0, len(input))
	for _, i := range order {
		box := input[i].Box
		keep := true
		for _, j := range fb.Search(box.X, box.Y, box.X2(), box.Y2()) {
			if j == i || !kept[j] {
				continue
			}
			if box.IOU(input[j].Box) > iouThreshold {
				keep = false
				break
			}
		}
		if keep {
			kept[i] = true
			result = append(result, input[i])
		}
	}
	return result
}
