// Package ocr is the client for the text recognition service. We send a
// cropped plate region as a JPEG and get back the recognized text, plus the
// individual words when the service can segment them.
package ocr

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/routecall/routecall/pkg/perfstats"
	"github.com/routecall/routecall/pkg/requests"
)

// Result is the recognition outcome for one image.
type Result struct {
	Success   bool     `json:"success"`
	Text      string   `json:"text"`
	Words     []string `json:"individualWords"`
	WordCount int      `json:"wordCount,omitempty"`
}

type recognizeRequest struct {
	Image string `json:"image"` // base64 JPEG
}

// Service talks to a single OCR endpoint.
type Service struct {
	log logs.Log
	url string
}

func NewService(log logs.Log, url string) *Service {
	return &Service{
		log: log,
		url: url,
	}
}

// Recognize sends a JPEG image to the OCR service. The request is abandoned
// if ctx is cancelled (eg when another job already found a match).
func (s *Service) Recognize(ctx context.Context, jpeg []byte) (*Result, error) {
	start := time.Now()
	req := recognizeRequest{
		Image: base64.StdEncoding.EncodeToString(jpeg),
	}
	result, err := requests.RequestJSON[Result](ctx, "POST", s.url, &req)
	if err != nil {
		return nil, err
	}
	perfstats.UpdateMovingAverage(&perfstats.Stats.OCRNanosecondsPerRequest, time.Since(start).Nanoseconds())
	return result, nil
}
