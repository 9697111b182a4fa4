package models

import "time"

// BuildingStyle selects the sprite a building is drawn with.
type BuildingStyle string

const (
	StyleSaloon       BuildingStyle = "saloon"
	StyleBank         BuildingStyle = "bank"
	StyleSheriff      BuildingStyle = "sheriff"
	StyleGeneralStore BuildingStyle = "general-store"
	StyleHotel        BuildingStyle = "hotel"
	StyleMasjid       BuildingStyle = "masjid"
	StyleBlacksmith   BuildingStyle = "blacksmith"
	StylePostOffice   BuildingStyle = "post-office"
)

// ValidStyle reports whether s is a known building style.
func ValidStyle(s BuildingStyle) bool {
	switch s {
	case StyleSaloon, StyleBank, StyleSheriff, StyleGeneralStore,
		StyleHotel, StyleMasjid, StyleBlacksmith, StylePostOffice:
		return true
	}
	return false
}

// Building groups the agents working on one project directory.
type Building struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	ProjectPath string        `json:"projectPath"`
	Style       BuildingStyle `json:"buildingStyle"`
	CreatedAt   time.Time     `json:"createdAt"`
	AgentIDs    []string      `json:"agents"`
}

// TrashedBuilding is a snapshot of a deleted building kept until restored or purged.
type TrashedBuilding struct {
	BuildingID    string                         `json:"buildingId"`
	TrashedAt     time.Time                      `json:"trashedAt"`
	Building      *Building                      `json:"building"`
	Agents        []*Agent                       `json:"agents"`
	Conversations map[string][]ConversationEntry `json:"conversations,omitempty"`
}
