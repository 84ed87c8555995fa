package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeTestImage(width, height int) ImageCrop {
	pixels := make([]byte, width*height*3)
	for i := range pixels {
		pixels[i] = byte(i * 7)
	}
	return WholeImage(3, pixels, width, height)
}

func TestPrepareTensorLetterbox(t *testing.T) {
	// 64x32 into a 64x64 canvas: scale is exactly 1, so the image lands
	// unresampled with 16 rows of padding above and below.
	img := makeTestImage(64, 32)
	tensor, xform, err := PrepareTensor(img, 64)
	require.NoError(t, err)
	require.Len(t, tensor, 3*64*64)
	require.InDelta(t, 1.0, xform.Scale, 1e-6)
	require.Equal(t, 0, xform.PadX)
	require.Equal(t, 16, xform.PadY)

	gray := float32(letterboxFill) / 255

	// Padding rows are mid-gray in every channel
	for c := 0; c < 3; c++ {
		require.InDelta(t, gray, tensor[c*64*64+0*64+10], 1e-6)  // top pad
		require.InDelta(t, gray, tensor[c*64*64+63*64+10], 1e-6) // bottom pad
	}

	// Image rows carry normalized pixel values in channel-first order
	for _, pt := range [][2]int{{0, 0}, {13, 7}, {63, 31}} {
		x, y := pt[0], pt[1]
		for c := 0; c < 3; c++ {
			want := float32(img.Pixels[(y*64+x)*3+c]) / 255
			got := tensor[c*64*64+(y+16)*64+x]
			require.InDelta(t, want, got, 1e-6)
		}
	}
}

func TestPrepareTensorCrop(t *testing.T) {
	// A sub-crop of the frame feeds the tensor with only its own pixels
	img := makeTestImage(64, 64)
	crop := img.Crop(16, 8, 48, 40)
	require.Equal(t, 32, crop.CropWidth)
	require.Equal(t, 32, crop.CropHeight)

	tensor, xform, err := PrepareTensor(crop, 32)
	require.NoError(t, err)
	require.InDelta(t, 1.0, xform.Scale, 1e-6)
	require.Equal(t, 0, xform.PadX)
	require.Equal(t, 0, xform.PadY)

	for _, pt := range [][2]int{{0, 0}, {5, 20}, {31, 31}} {
		x, y := pt[0], pt[1]
		for c := 0; c < 3; c++ {
			want := float32(img.Pixels[((y+8)*64+(x+16))*3+c]) / 255
			got := tensor[c*32*32+y*32+x]
			require.InDelta(t, want, got, 1e-6)
		}
	}

	require.Panics(t, func() { img.Crop(40, 40, 70, 70) })
}

func TestPrepareTensorUnavailable(t *testing.T) {
	_, _, err := PrepareTensor(ImageCrop{}, 64)
	require.ErrorIs(t, err, ErrRenderingUnavailable)

	gray := makeTestImage(10, 10)
	gray.NChan = 1
	_, _, err = PrepareTensor(gray, 64)
	require.ErrorIs(t, err, ErrRenderingUnavailable)
}

func TestResizeTransformRoundTrip(t *testing.T) {
	// A box fully inside the frame survives the trip into model space and
	// back within a pixel of rounding error.
	img := makeTestImage(640, 360)
	_, xform, err := PrepareTensor(img, 640)
	require.NoError(t, err)

	boxes := []Detection{
		{Box: MakeRect(100, 50, 200, 120)},
		{Box: MakeRect(0, 0, 640, 360)},
		{Box: MakeRect(611, 333, 13, 9)},
	}
	for _, det := range boxes {
		orig := det.Box
		mapped := Rect{
			X:      int32(xform.ForwardX(float32(orig.X)) + 0.5),
			Y:      int32(xform.ForwardY(float32(orig.Y)) + 0.5),
			Width:  int32(float32(orig.Width)*xform.Scale + 0.5),
			Height: int32(float32(orig.Height)*xform.Scale + 0.5),
		}
		modelSpace := []Detection{{Box: mapped}}
		xform.ApplyBackward(modelSpace)
		back := modelSpace[0].Box
		require.InDelta(t, orig.X, back.X, 1.01)
		require.InDelta(t, orig.Y, back.Y, 1.01)
		require.InDelta(t, orig.Width, back.Width, 1.01)
		require.InDelta(t, orig.Height, back.Height, 1.01)
	}
}
