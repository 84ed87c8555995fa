package sightdb

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Sighting is one recognition job that produced OCR text, whether or not it
// validated against the whitelist.
type Sighting struct {
	BaseModel
	Time          dbh.IntTime                 `json:"time"`
	CorrelationID string                      `json:"correlationId"` // Query that was active when we saw this
	RawText       string                      `json:"rawText"`       // OCR output before normalization
	Matched       string                      `json:"matched"`       // Validated identifier, empty if none
	Confidence    float32                     `json:"confidence"`    // Detector confidence of the plate region
	Detail        *dbh.JSONField[SightDetail] `json:"detail"`
}

// SightDetail carries the parts of a sighting we only need occasionally.
type SightDetail struct {
	Box   [4]int32 `json:"box"` // [X1,Y1,X2,Y2] in frame coordinates
	Words []string `json:"words,omitempty"`
}

// Announcement records the single audible announcement of a session.
type Announcement struct {
	BaseModel
	Time          dbh.IntTime `json:"time"`
	CorrelationID string      `json:"correlationId"`
	Identifier    string      `json:"identifier"`
	LatencyMS     int64       `json:"latencyMS"` // Job submission to match validation
}
