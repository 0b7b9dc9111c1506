package registry

import (
	"time"
)

// Category classifies a physical location by the workflow step it serves.
type Category string

const (
	CategoryReception  Category = "reception"
	CategoryProcessing Category = "processing"
	CategoryTesting    Category = "testing"
	CategoryStorage    Category = "storage"
	CategoryDisposal   Category = "disposal"
)

var validCategories = map[Category]bool{
	CategoryReception:  true,
	CategoryProcessing: true,
	CategoryTesting:    true,
	CategoryStorage:    true,
	CategoryDisposal:   true,
}

// Valid reports whether c is one of the known location categories.
func (c Category) Valid() bool {
	return validCategories[c]
}

// Location is a named physical place a specimen can be held at.
type Location struct {
	ID       string   `mapstructure:"id" json:"id"`
	Name     string   `mapstructure:"name" json:"name"`
	Category Category `mapstructure:"category" json:"category"`
	Capacity *int     `mapstructure:"capacity" json:"capacity,omitempty"`
}

// Station is an operating point bound to exactly one Location.
type Station struct {
	ID                    string        `mapstructure:"id" json:"id"`
	Name                  string        `mapstructure:"name" json:"name"`
	LocationID            string        `mapstructure:"location_id" json:"location_id"`
	RequiredRoles         []string      `mapstructure:"required_roles" json:"required_roles,omitempty"`
	Equipment             []string      `mapstructure:"equipment" json:"equipment,omitempty"`
	AverageProcessingTime time.Duration `mapstructure:"average_processing_time" json:"average_processing_time"`
}
