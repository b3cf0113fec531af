package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ManifestStatus constants
const (
	ManifestStatusSuccess = "success"
	ManifestStatusError   = "error"
)

// ManifestEntry records the outcome of processing one archive file
type ManifestEntry struct {
	File              string          `json:"file" db:"file"`
	Status            string          `json:"status" db:"status"`
	Outputs           ManifestOutputs `json:"outputs,omitempty" db:"outputs"`
	Timestamp         time.Time       `json:"timestamp" db:"timestamp"`
	Error             string          `json:"error,omitempty" db:"error"`
	ErrorType         string          `json:"error_type,omitempty" db:"error_type"`
	Duration          float64         `json:"duration,omitempty" db:"duration"`
	ProcessingTimeSec float64         `json:"processing_time_sec,omitempty" db:"processing_time_sec"`
	ContentHash       string          `json:"content_hash,omitempty" db:"content_hash"`
	Worker            string          `json:"worker,omitempty" db:"worker"`
}

// Succeeded reports whether the entry marks a completed file
func (e *ManifestEntry) Succeeded() bool {
	return e != nil && e.Status == ManifestStatusSuccess
}

// ManifestOutputs lists the sidecar files written for an archive file
type ManifestOutputs struct {
	OriginalVTT   string `json:"original_vtt,omitempty"`
	TranslatedVTT string `json:"translated_vtt,omitempty"`
	TTML          string `json:"ttml,omitempty"`
	SMIL          string `json:"smil,omitempty"`
}

// Paths returns the non-empty output paths
func (o ManifestOutputs) Paths() []string {
	var paths []string
	for _, p := range []string{o.OriginalVTT, o.TranslatedVTT, o.TTML, o.SMIL} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Value implements driver.Valuer for database storage
func (o ManifestOutputs) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// Scan implements sql.Scanner for database retrieval
func (o *ManifestOutputs) Scan(value interface{}) error {
	if value == nil {
		*o = ManifestOutputs{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, o)
	case string:
		return json.Unmarshal([]byte(v), o)
	default:
		return nil
	}
}

// ArchiveJob is a unit of archive work, also the payload of queued jobs
type ArchiveJob struct {
	ID      string          `json:"id"`
	Video   string          `json:"video"`
	Name    string          `json:"name"`
	Outputs ManifestOutputs `json:"outputs"`
	Force   bool            `json:"force,omitempty"`
}
