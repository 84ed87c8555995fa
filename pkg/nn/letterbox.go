package nn

import (
	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
)

// Letterbox background fill value (mid-gray), the conventional padding color
// for YOLO-family models.
const letterboxFill = 114

// ResizeTransform records how a frame was mapped into the square model
// input: uniform scale followed by centered padding. The inverse mapping
// from model space back to frame space is exact: x = (x_model - PadX) / Scale.
type ResizeTransform struct {
	Scale float32
	PadX  int
	PadY  int
}

func IdentityResizeTransform() ResizeTransform {
	return ResizeTransform{Scale: 1}
}

// ForwardX maps a frame-space X coordinate into model space.
func (t ResizeTransform) ForwardX(x float32) float32 {
	return x*t.Scale + float32(t.PadX)
}

// ForwardY maps a frame-space Y coordinate into model space.
func (t ResizeTransform) ForwardY(y float32) float32 {
	return y*t.Scale + float32(t.PadY)
}

// BackwardX maps a model-space X coordinate into frame space.
func (t ResizeTransform) BackwardX(x float32) float32 {
	return (x - float32(t.PadX)) / t.Scale
}

// BackwardY maps a model-space Y coordinate into frame space.
func (t ResizeTransform) BackwardY(y float32) float32 {
	return (y - float32(t.PadY)) / t.Scale
}

// ApplyBackward maps detection boxes from model space into frame space,
// in-place. Floor(x + 0.5), so negative coordinates round consistently.
func (t ResizeTransform) ApplyBackward(objects []Detection) {
	for i := range objects {
		b := &objects[i].Box
		x1 := math32.Floor(t.BackwardX(float32(b.X)) + 0.5)
		y1 := math32.Floor(t.BackwardY(float32(b.Y)) + 0.5)
		x2 := math32.Floor(t.BackwardX(float32(b.X2())) + 0.5)
		y2 := math32.Floor(t.BackwardY(float32(b.Y2())) + 0.5)
		b.X = int32(x1)
		b.Y = int32(y1)
		b.Width = int32(x2 - x1)
		b.Height = int32(y2 - y1)
	}
}

// PrepareTensor converts an RGB image into the normalized [1,3,size,size]
// channel-first tensor that the detector expects. The source aspect ratio is
// preserved: the image is scaled by min(size/w, size/h) and centered in the
// square canvas, with the uncovered area filled with mid-gray. Pixel values
// are divided by 255.
// Returns the tensor and the transform needed to map detections back into
// frame coordinates.
func PrepareTensor(img ImageCrop, size int) ([]float32, ResizeTransform, error) {
	if len(img.Pixels) == 0 || img.NChan != 3 || img.CropWidth <= 0 || img.CropHeight <= 0 || size <= 0 {
		return nil, ResizeTransform{}, ErrRenderingUnavailable
	}

	scaleX := float32(size) / float32(img.CropWidth)
	scaleY := float32(size) / float32(img.CropHeight)
	scale := min(scaleX, scaleY)
	scaledW := int(float32(img.CropWidth)*scale + 0.5)
	scaledH := int(float32(img.CropHeight)*scale + 0.5)
	xform := ResizeTransform{
		Scale: scale,
		PadX:  (size - scaledW) / 2,
		PadY:  (size - scaledH) / 2,
	}

	// Materialize the crop into a contiguous RGB image
	var src *cimg.Image
	if img.CropX == 0 && img.CropY == 0 && img.CropWidth == img.ImageWidth && img.CropHeight == img.ImageHeight {
		src = cimg.WrapImage(img.ImageWidth, img.ImageHeight, cimg.PixelFormatRGB, img.Pixels)
	} else {
		src = cimg.NewImage(img.CropWidth, img.CropHeight, cimg.PixelFormatRGB)
		srcStride := img.Stride()
		for y := 0; y < img.CropHeight; y++ {
			row := img.Pixels[(img.CropY+y)*srcStride+img.CropX*3:]
			copy(src.Pixels[y*src.Stride:], row[:img.CropWidth*3])
		}
	}

	scaled := src
	if scaledW != src.Width || scaledH != src.Height {
		scaled = cimg.ResizeNew(src, scaledW, scaledH, nil)
	}

	tensor := make([]float32, 3*size*size)
	gray := float32(letterboxFill) / 255
	for i := range tensor {
		tensor[i] = gray
	}
	plane := size * size
	stride := scaled.Stride
	for y := 0; y < scaledH; y++ {
		row := scaled.Pixels[y*stride:]
		dst := (y+xform.PadY)*size + xform.PadX
		for x := 0; x < scaledW; x++ {
			tensor[dst+x] = float32(row[x*3]) / 255
			tensor[plane+dst+x] = float32(row[x*3+1]) / 255
			tensor[2*plane+dst+x] = float32(row[x*3+2]) / 255
		}
	}
	return tensor, xform, nil
}
