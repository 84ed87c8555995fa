// Package nn is the interface layer between the inference engine and the
// rest of the pipeline: geometry, detection types, the letterbox
// preprocessor, and the raw output decoder.
package nn

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"strings"
)

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45

// ErrInferenceFailed wraps any error coming out of the underlying model
// runtime. A frame that fails inference is skipped, never retried.
var ErrInferenceFailed = errors.New("inference failed")

// ErrRenderingUnavailable means we could not obtain a drawable image
// surface to feed the network (nil pixels, unsupported channel count).
var ErrRenderingUnavailable = errors.New("rendering surface unavailable")

// Detection is one candidate plate region found in a single frame.
// Box is in frame pixel coordinates.
type Detection struct {
	Box        Rect    `json:"box"`
	Confidence float32 `json:"confidence"`
	Class      int     `json:"class"`
	ClassName  string  `json:"className"`
}

// Object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32  // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32  // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	MinArea              int32    // Reject boxes smaller than this (frame pixels). Zero disables the check.
	MinAspect            float32  // Reject boxes with width/height below this. Zero disables the check.
	MaxAspect            float32  // Reject boxes with width/height above this. Zero disables the check.
	ClassFilter          []string // Allow-list of class names. Empty list allows everything.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
	}
}

func (p *DetectionParams) classAllowed(name string) bool {
	if len(p.ClassFilter) == 0 {
		return true
	}
	for _, c := range p.ClassFilter {
		if c == name {
			return true
		}
	}
	return false
}

// ImageCrop is a crop of an image.
// To create an ImageCrop, start with WholeImage(), and then use Crop() to
// get a sub-crop.
type ImageCrop struct {
	NChan       int    // Number of channels (eg 3 for RGB)
	Pixels      []byte // The whole image
	ImageWidth  int    // The width of the original image, held in Pixels
	ImageHeight int    // The height of the original image, held in Pixels
	CropX       int    // Origin of crop X
	CropY       int    // Origin of crop Y
	CropWidth   int    // The width of this crop
	CropHeight  int    // The height of this crop
}

func (c ImageCrop) Stride() int {
	return c.ImageWidth * c.NChan
}

// Return a crop of the crop (new crop is relative to existing).
// If any parameter is out of bounds, we panic
func (c ImageCrop) Crop(x1, y1, x2, y2 int) ImageCrop {
	nc := ImageCrop{
		NChan:       c.NChan,
		Pixels:      c.Pixels,
		ImageWidth:  c.ImageWidth,
		ImageHeight: c.ImageHeight,
		CropX:       c.CropX + x1,
		CropY:       c.CropY + y1,
		CropWidth:   x2 - x1,
		CropHeight:  y2 - y1,
	}
	if nc.CropX < 0 || nc.CropY < 0 || nc.CropWidth < 0 || nc.CropHeight < 0 || nc.CropX+nc.CropWidth > c.ImageWidth || nc.CropY+nc.CropHeight > c.ImageHeight {
		panic("Crop out of bounds")
	}
	return nc
}

// Return a 'crop' of the entire image
func WholeImage(nchan int, pixels []byte, width, height int) ImageCrop {
	return ImageCrop{
		NChan:       nchan,
		Pixels:      pixels,
		ImageWidth:  width,
		ImageHeight: height,
		CropX:       0,
		CropY:       0,
		CropWidth:   width,
		CropHeight:  height,
	}
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close closes the detector (you MUST call this when finished, because
	// there is engine-owned memory underneath)
	Close()

	// DetectObjects returns a list of objects detected in the image.
	// nchan is expected to be 3, and image is a 24-bit RGB image.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(img ImageCrop, params *DetectionParams) ([]Detection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["plate"]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, nil
}
