package models

import (
	"time"

	"github.com/ksys/vtag-engine/internal/calc"
)

// CalculationResult is one evaluation of a virtual tag. Rows are keyed by
// (time, virtual_tag_id) and written with upsert so a re-run tick overwrites.
type CalculationResult struct {
	Time         time.Time `gorm:"primaryKey;not null" json:"time"`
	VirtualTagID string    `gorm:"type:varchar(100);primaryKey;not null;index" json:"virtual_tag_id"`
	Value        *float64  `json:"value"`
	Label        *string   `gorm:"type:varchar(100)" json:"label,omitempty"`
	Quality      int16     `gorm:"not null" json:"quality"`
	ErrorMessage *string   `gorm:"type:text" json:"error_message,omitempty"`
	DurationMs   float64   `json:"duration_ms"`
}

// TableName overrides the table name for CalculationResult
func (CalculationResult) TableName() string {
	return "virtual_tag_results"
}

// QualityCode returns the quality as a calc.Quality
func (r *CalculationResult) QualityCode() calc.Quality {
	return calc.Quality(r.Quality)
}

// NewCalculationResult builds the stored row for a classified evaluation
func NewCalculationResult(tagID string, at time.Time, c calc.Classification, took time.Duration) CalculationResult {
	res := CalculationResult{
		Time:         at.UTC(),
		VirtualTagID: tagID,
		Value:        c.Value,
		Label:        c.Label,
		Quality:      int16(c.Quality),
		DurationMs:   float64(took.Microseconds()) / 1000,
	}
	if c.Message != "" {
		msg := c.Message
		res.ErrorMessage = &msg
	}
	return res
}
