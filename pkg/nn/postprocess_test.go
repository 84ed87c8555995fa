package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInferOutputShape(t *testing.T) {
	// YOLOv8 single class: [1,5,8400]
	s := InferOutputShape(5*8400, 1)
	require.Equal(t, OutputShape{Layout: LayoutChannelFirst, Attribs: 5, Boxes: 8400}, s)

	// Single class with objectness: [1,6,8400]
	s = InferOutputShape(6*8400, 1)
	require.Equal(t, OutputShape{Layout: LayoutChannelFirst, Attribs: 6, Boxes: 8400}, s)

	// COCO YOLOv8: [1,84,8400]
	s = InferOutputShape(84*8400, 80)
	require.Equal(t, OutputShape{Layout: LayoutChannelFirst, Attribs: 84, Boxes: 8400}, s)

	// COCO YOLOv5: [1,25200,85] - box count is not one of the known anchor
	// counts, so the attribute factorization identifies the transposed layout
	s = InferOutputShape(25200*85, 80)
	require.Equal(t, OutputShape{Layout: LayoutTransposed, Attribs: 85, Boxes: 25200}, s)

	// Smaller input resolution: [1,5,2100]
	s = InferOutputShape(5*2100, 1)
	require.Equal(t, OutputShape{Layout: LayoutChannelFirst, Attribs: 5, Boxes: 2100}, s)
}

func TestOutputShapeAt(t *testing.T) {
	// 2 attributes, 3 boxes
	cf := OutputShape{Layout: LayoutChannelFirst, Attribs: 2, Boxes: 3}
	raw := []float32{0, 1, 2, 10, 11, 12}
	require.EqualValues(t, 1, cf.At(raw, 0, 1))
	require.EqualValues(t, 12, cf.At(raw, 1, 2))

	tr := OutputShape{Layout: LayoutTransposed, Attribs: 2, Boxes: 3}
	raw = []float32{0, 10, 1, 11, 2, 12}
	require.EqualValues(t, 1, tr.At(raw, 0, 1))
	require.EqualValues(t, 12, tr.At(raw, 1, 2))
}

// Build a channel-first buffer with 5 attributes (no objectness, 1 class)
func makeRawOutput(boxes [][5]float32) ([]float32, OutputShape) {
	n := len(boxes)
	raw := make([]float32, 5*n)
	for a := 0; a < 5; a++ {
		for b := 0; b < n; b++ {
			raw[a*n+b] = boxes[b][a]
		}
	}
	return raw, OutputShape{Layout: LayoutChannelFirst, Attribs: 5, Boxes: n}
}

func TestDecodeOutput(t *testing.T) {
	config := &ModelConfig{Width: 64, Height: 64, Classes: []string{"plate"}}
	params := NewDetectionParams()
	params.MinArea = 25
	xform := IdentityResizeTransform()

	raw, shape := makeRawOutput([][5]float32{
		{32, 32, 20, 10, 0.9},  // keeper
		{33, 32, 20, 10, 0.8},  // suppressed by NMS against the first
		{32, 32, 20, 10, 0.2},  // below confidence threshold
		{10, 10, 2, 2, 0.7},    // below minimum area
		{14, 40, 8, 8, 0.75},   // second keeper, far from the first
	})
	dets := DecodeOutput(raw, shape, 64, 64, xform, config, params)
	require.Len(t, dets, 2)
	require.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	require.Equal(t, MakeRect(22, 27, 20, 10), dets[0].Box)
	require.Equal(t, "plate", dets[0].ClassName)
	require.InDelta(t, 0.75, dets[1].Confidence, 1e-6)

	// The class allow-list rejects everything that isn't named
	params.ClassFilter = []string{"vehicle"}
	require.Empty(t, DecodeOutput(raw, shape, 64, 64, xform, config, params))
	params.ClassFilter = []string{"plate"}
	require.Len(t, DecodeOutput(raw, shape, 64, 64, xform, config, params), 2)
}

func TestDecodeOutputClipsToFrame(t *testing.T) {
	config := &ModelConfig{Width: 64, Height: 64, Classes: []string{"plate"}}
	params := NewDetectionParams()
	xform := IdentityResizeTransform()

	raw, shape := makeRawOutput([][5]float32{
		{0, 32, 30, 10, 0.9},    // hangs off the left edge
		{32, 0, 10, 30, 0.9},    // hangs off the top edge
		{200, 200, 20, 20, 0.9}, // entirely outside the frame
	})
	dets := DecodeOutput(raw, shape, 64, 64, xform, config, params)
	require.Len(t, dets, 2)

	// The off-frame halves (-15..0) are clipped away exactly, which only
	// works if negative coordinates round the same way as positive ones
	require.EqualValues(t, 0, dets[0].Box.X)
	require.EqualValues(t, 15, dets[0].Box.Width)
	require.EqualValues(t, 0, dets[1].Box.Y)
	require.EqualValues(t, 15, dets[1].Box.Height)
}

func TestNonMaxSuppressionIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	input := make([]Detection, 0, 200)
	for i := 0; i < 200; i++ {
		input = append(input, Detection{
			Box:        MakeRect(rng.Int31n(500), rng.Int31n(500), 20+rng.Int31n(80), 20+rng.Int31n(80)),
			Confidence: rng.Float32(),
		})
	}
	once := NonMaxSuppression(input, 0.45)
	twice := NonMaxSuppression(once, 0.45)
	require.Equal(t, once, twice)

	// No two kept boxes overlap beyond the threshold
	for i := 0; i < len(once); i++ {
		for j := i + 1; j < len(once); j++ {
			require.LessOrEqual(t, once[i].Box.IOU(once[j].Box), float32(0.45))
		}
	}

	// Scores are descending, so ties break in favor of higher-scored boxes
	for i := 1; i < len(once); i++ {
		require.GreaterOrEqual(t, once[i-1].Confidence, once[i].Confidence)
	}
}
