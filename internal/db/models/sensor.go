package models

import "time"

// SensorReading is one raw sample in the sensor history store
type SensorReading struct {
	Time    time.Time `gorm:"primaryKey;not null" json:"time"`
	TagName string    `gorm:"type:varchar(100);primaryKey;not null;index" json:"tag_name"`
	Value   float64   `gorm:"not null" json:"value"`
	Quality int16     `gorm:"not null;default:0" json:"quality"`
}

// TableName overrides the table name for SensorReading
func (SensorReading) TableName() string {
	return "sensor_history"
}
