package compliance

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/ehr/custody/internal/domain/custody"
)

// Controls are the checks a requirement switches on.
type Controls struct {
	ChainOfCustody     bool    `mapstructure:"chain_of_custody" json:"chain_of_custody"`
	TemperatureControl bool    `mapstructure:"temperature_control" json:"temperature_control"`
	TemperatureMinC    float64 `mapstructure:"temperature_min_c" json:"temperature_min_c,omitempty"`
	TemperatureMaxC    float64 `mapstructure:"temperature_max_c" json:"temperature_max_c,omitempty"`
	MaxProcessingHours float64 `mapstructure:"max_processing_hours" json:"max_processing_hours,omitempty"`
	MaxStorageHours    float64 `mapstructure:"max_storage_hours" json:"max_storage_hours,omitempty"`
}

// Penalties is the text attached to findings of each tier.
type Penalties struct {
	Warning   string `mapstructure:"warning" json:"warning,omitempty"`
	Violation string `mapstructure:"violation" json:"violation,omitempty"`
	Critical  string `mapstructure:"critical" json:"critical,omitempty"`
}

// Requirement is one regulatory rule set from the catalog.
type Requirement struct {
	ID                    string    `mapstructure:"id" json:"id"`
	Name                  string    `mapstructure:"name" json:"name"`
	Category              string    `mapstructure:"category" json:"category"`
	Controls              Controls  `mapstructure:"controls" json:"controls"`
	RequiredDocumentation []string  `mapstructure:"required_documentation" json:"required_documentation,omitempty"`
	SpecimenTypes         []string  `mapstructure:"specimen_types" json:"specimen_types,omitempty"`
	Penalties             Penalties `mapstructure:"penalties" json:"penalties"`
}

// AppliesTo reports whether the requirement covers a specimen type. An empty
// type list covers every specimen.
func (r Requirement) AppliesTo(specimenType string) bool {
	if len(r.SpecimenTypes) == 0 {
		return true
	}
	for _, t := range r.SpecimenTypes {
		if t == specimenType {
			return true
		}
	}
	return false
}

func (r Requirement) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("requirement %q: id is required", r.Name)
	}
	c := r.Controls
	if c.TemperatureControl && c.TemperatureMinC >= c.TemperatureMaxC {
		return fmt.Errorf("requirement %s: temperature range [%v,%v] is empty", r.ID, c.TemperatureMinC, c.TemperatureMaxC)
	}
	if c.MaxProcessingHours < 0 || c.MaxStorageHours < 0 {
		return fmt.Errorf("requirement %s: time limits must not be negative", r.ID)
	}
	probe := custody.Event{}
	for _, f := range r.RequiredDocumentation {
		if _, known := probe.HasField(f); !known {
			return fmt.Errorf("requirement %s: unknown documentation field %q", r.ID, f)
		}
	}
	return nil
}

// Applicable filters reqs to those covering specimenType, keeping order.
func Applicable(reqs []Requirement, specimenType string) []Requirement {
	out := make([]Requirement, 0, len(reqs))
	for _, r := range reqs {
		if r.AppliesTo(specimenType) {
			out = append(out, r)
		}
	}
	return out
}

// ValidateCatalog checks every requirement and rejects duplicate IDs.
func ValidateCatalog(reqs []Requirement) error {
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate requirement id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// LoadRequirementsFile reads the "requirements" section of a catalog file.
// A file without that section yields the default catalog.
func LoadRequirementsFile(path string) ([]Requirement, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read requirements file %s: %w", path, err)
	}
	if !v.IsSet("requirements") {
		return DefaultRequirements(), nil
	}
	var reqs []Requirement
	if err := v.UnmarshalKey("requirements", &reqs); err != nil {
		return nil, fmt.Errorf("decode requirements: %w", err)
	}
	if err := ValidateCatalog(reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// DefaultRequirements is the built-in catalog.
func DefaultRequirements() []Requirement {
	return []Requirement{
		{
			ID:       "clia-custody",
			Name:     "CLIA specimen chain of custody",
			Category: "CLIA",
			Controls: Controls{ChainOfCustody: true, MaxProcessingHours: 72},
			RequiredDocumentation: []string{
				custody.FieldPerformer,
			},
			Penalties: Penalties{
				Warning:   "Document the custody interruption in the specimen record.",
				Violation: "Specimen results require supervisor review before release.",
				Critical:  "Specimen must be rejected and recollected.",
			},
		},
		{
			ID:                    "iso15189-identification",
			Name:                  "ISO 15189 positive identification",
			Category:              "ISO 15189",
			RequiredDocumentation: []string{custody.FieldPerformer, custody.FieldQRCode},
			Penalties: Penalties{
				Violation: "Re-verify specimen identity against the requisition.",
			},
		},
		{
			ID:       "cap-cold-chain",
			Name:     "CAP refrigerated specimen storage",
			Category: "CAP",
			Controls: Controls{
				TemperatureControl: true,
				TemperatureMinC:    2,
				TemperatureMaxC:    8,
				MaxStorageHours:    168,
			},
			SpecimenTypes: []string{"plasma", "serum", "csf"},
			Penalties: Penalties{
				Violation: "Quarantine specimen pending stability assessment.",
				Critical:  "Discard specimen and notify the ordering provider.",
			},
		},
	}
}
