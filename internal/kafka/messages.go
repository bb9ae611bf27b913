package kafka

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ksys/vtag-engine/internal/db/models"
)

// ResultEvent is the wire form of a calculation result on the results topic
type ResultEvent struct {
	VirtualTagID string    `json:"virtual_tag_id"`
	Timestamp    time.Time `json:"timestamp"`
	Value        *float64  `json:"value"`
	Label        *string   `json:"label,omitempty"`
	Quality      string    `json:"quality"`
	QualityCode  int16     `json:"quality_code"`
	Message      *string   `json:"message,omitempty"`
}

// NewResultEvent converts a stored result to its wire form
func NewResultEvent(r *models.CalculationResult) ResultEvent {
	return ResultEvent{
		VirtualTagID: r.VirtualTagID,
		Timestamp:    r.Time.UTC(),
		Value:        r.Value,
		Label:        r.Label,
		Quality:      r.QualityCode().String(),
		QualityCode:  r.Quality,
		Message:      r.ErrorMessage,
	}
}

// Reading is one raw sensor sample on the readings topic
type Reading struct {
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
	Quality   int16     `json:"quality"`
}

// DecodeReadings accepts a single reading object or an array of them. A
// reading without a timestamp takes fallback, the message timestamp.
func DecodeReadings(data []byte, fallback time.Time) ([]Reading, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty readings message")
	}

	var readings []Reading
	if data[0] == '[' {
		if err := json.Unmarshal(data, &readings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal readings: %w", err)
		}
	} else {
		var r Reading
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reading: %w", err)
		}
		readings = []Reading{r}
	}

	for i := range readings {
		readings[i].Tag = strings.TrimSpace(readings[i].Tag)
		if readings[i].Tag == "" {
			return nil, fmt.Errorf("reading %d has no tag", i)
		}
		if readings[i].Value == nil {
			return nil, fmt.Errorf("reading %d for %s has no value", i, readings[i].Tag)
		}
		if readings[i].Timestamp.IsZero() {
			readings[i].Timestamp = fallback
		}
	}
	return readings, nil
}
