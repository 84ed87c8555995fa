package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Camera struct {
	SnapshotURL      string `json:"snapshotURL"`      // Still-image endpoint of an IP camera, eg http://192.168.1.33/snapshot.jpg
	FrameDir         string `json:"frameDir"`         // Alternative to SnapshotURL: replay JPEG frames from this directory
	SampleIntervalMS int    `json:"sampleIntervalMS"` // Frame loop tick. 0 uses the default (100ms)
	CropDumpDir      string `json:"cropDumpDir"`      // Save submitted OCR crops here, for debugging. Empty disables
}

type Model struct {
	Path            string   `json:"path"`            // Path to the ONNX model file (config JSON expected alongside)
	OnnxLibraryPath string   `json:"onnxLibraryPath"` // Path to the onnxruntime shared library. Empty uses the default search path
	Confidence      float32  `json:"confidence"`      // Detection probability threshold. 0 uses the default
	MinArea         int32    `json:"minArea"`         // Reject plate regions smaller than this many pixels
	MinAspect       float32  `json:"minAspect"`       // Plate aspect ratio bounds (width/height)
	MaxAspect       float32  `json:"maxAspect"`
	ClassFilter     []string `json:"classFilter"` // Allow-list of detector classes. Empty allows everything
	ClassFilterFile string   `json:"classFilterFile"` // Alternative to classFilter: plain text file, one class per line
}

type OCR struct {
	URL string `json:"url"` // Recognition endpoint
}

type TTS struct {
	URL           string `json:"url"`           // Speech synthesis endpoint. Empty disables audio (announcements are logged only)
	PlayerCommand string `json:"playerCommand"` // eg "aplay" or "mpg123"
}

type Config struct {
	Camera      Camera `json:"camera"`
	Model       Model  `json:"model"`
	OCR         OCR    `json:"ocr"`
	TTS         TTS    `json:"tts"`
	MaxParallel int    `json:"maxParallel"` // Concurrent OCR jobs. 0 uses the default (10)
	DBPath      string `json:"dbPath"`      // Sightings database. Empty disables history
}

func LoadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Model.Path == "" {
		return fmt.Errorf("model.path is required")
	}
	if c.OCR.URL == "" {
		return fmt.Errorf("ocr.url is required")
	}
	if c.Camera.SnapshotURL == "" && c.Camera.FrameDir == "" {
		return fmt.Errorf("one of camera.snapshotURL or camera.frameDir is required")
	}
	if c.TTS.URL != "" && c.TTS.PlayerCommand == "" {
		return fmt.Errorf("tts.playerCommand is required when tts.url is set")
	}
	return nil
}
