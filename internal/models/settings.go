package models

// Settings holds the per-unit queue configuration. Every field has a
// defined default so callers never deal with missing values.
type Settings struct {
	UnitID                string `json:"unit_id"`
	NormalPriority        int    `json:"normal_priority"`
	PreferentialPriority  int    `json:"preferential_priority"`
	ManualModeEnabled     bool   `json:"manual_mode_enabled"`
	NormalMinNumber       int    `json:"manual_mode_min_number"`
	PreferentialMinNumber int    `json:"manual_mode_min_number_preferential"`
	CallingSystemActive   bool   `json:"calling_system_active"`
	OrganScopedCounters   bool   `json:"organ_scoped_counters"`
	AutoResetEnabled      bool   `json:"auto_reset_enabled"`
	Timezone              string `json:"timezone"`
}

func DefaultSettings(unitID string) Settings {
	return Settings{
		UnitID:                unitID,
		NormalPriority:        1,
		PreferentialPriority:  10,
		ManualModeEnabled:     false,
		NormalMinNumber:       1,
		PreferentialMinNumber: 1,
		CallingSystemActive:   true,
		OrganScopedCounters:   false,
		AutoResetEnabled:      false,
		Timezone:              "UTC",
	}
}

// PriorityFor returns the configured weight for a ticket type.
func (s Settings) PriorityFor(ticketType string) int {
	if ticketType == TypePreferential {
		return s.PreferentialPriority
	}
	return s.NormalPriority
}

// MinNumberFor returns the issuance floor for a ticket type.
func (s Settings) MinNumberFor(ticketType string) int {
	if ticketType == TypePreferential {
		return s.PreferentialMinNumber
	}
	return s.NormalMinNumber
}
