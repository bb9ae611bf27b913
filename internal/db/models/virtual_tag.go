package models

import (
	"time"

	"github.com/ksys/vtag-engine/internal/calc"
)

// VirtualTag is a declaratively configured derived metric
type VirtualTag struct {
	ID             string    `gorm:"type:varchar(100);primaryKey" json:"id"`
	Name           string    `gorm:"type:varchar(255);not null" json:"name"`
	Description    string    `gorm:"type:text" json:"description,omitempty"`
	Unit           string    `gorm:"type:varchar(50)" json:"unit,omitempty"`
	CalcType       string    `gorm:"type:varchar(20);not null;index" json:"calculation_type"`
	Config         JSON      `gorm:"type:jsonb;not null" json:"config"`
	MinValue       *float64  `json:"min_value,omitempty"`
	MaxValue       *float64  `json:"max_value,omitempty"`
	UpdateInterval int       `gorm:"not null" json:"update_interval"` // seconds
	MissingPolicy  string    `gorm:"type:varchar(10);not null" json:"missing_policy"`
	Enabled        bool      `gorm:"not null;index" json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Relationships
	Dependencies []TagDependency `gorm:"foreignKey:VirtualTagID;constraint:OnDelete:CASCADE" json:"dependencies,omitempty"`
}

// TableName overrides the table name for VirtualTag
func (VirtualTag) TableName() string {
	return "virtual_tags"
}

// Definition returns the evaluator view of the tag
func (v *VirtualTag) Definition() calc.Definition {
	return calc.Definition{
		ID:            v.ID,
		Kind:          calc.Kind(v.CalcType),
		Config:        v.Config.Raw(),
		Bounds:        calc.Bounds{Min: v.MinValue, Max: v.MaxValue},
		MissingPolicy: calc.MissingPolicy(v.MissingPolicy),
	}
}

// Interval returns the update cadence as a duration
func (v *VirtualTag) Interval() time.Duration {
	return time.Duration(v.UpdateInterval) * time.Second
}

// TagDependency records that a virtual tag reads a source tag
type TagDependency struct {
	VirtualTagID   string    `gorm:"type:varchar(100);primaryKey" json:"virtual_tag_id"`
	SourceTag      string    `gorm:"type:varchar(100);primaryKey;index" json:"source_tag"`
	DependencyType string    `gorm:"type:varchar(20);not null" json:"dependency_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName overrides the table name for TagDependency
func (TagDependency) TableName() string {
	return "virtual_tag_dependencies"
}

// NewTagDependencies converts extracted dependencies into rows owned by id
func NewTagDependencies(id string, deps []calc.Dependency) []TagDependency {
	rows := make([]TagDependency, 0, len(deps))
	for _, d := range deps {
		rows = append(rows, TagDependency{
			VirtualTagID:   id,
			SourceTag:      d.SourceTag,
			DependencyType: string(d.Kind),
		})
	}
	return rows
}
