// services/hub/internal/core/radio.go
package core

// RadioGroupAllocator picks the radio group a hub uses for local coordination.
type RadioGroupAllocator interface {
	Allocate(hub *Hub) (int, error)
}

// ZoneRadioGroupAllocator puts every hub of a zone in the same group, so the
// value stays stable for as long as the hub stays in its zone.
type ZoneRadioGroupAllocator struct {
	groups int
}

// NewZoneRadioGroupAllocator spreads zones over groups radio groups (0..groups-1).
func NewZoneRadioGroupAllocator(groups int) *ZoneRadioGroupAllocator {
	if groups <= 0 {
		groups = 255
	}
	return &ZoneRadioGroupAllocator{groups: groups}
}

func (a *ZoneRadioGroupAllocator) Allocate(hub *Hub) (int, error) {
	if hub.ZoneID == nil {
		return 0, ErrHubMustBeInZone
	}
	group := *hub.ZoneID % a.groups
	if group < 0 {
		group += a.groups
	}
	return group, nil
}
