// services/hub/internal/core/directory.go
package core

import "context"

// Zone is the slice of a park zone this service needs.
type Zone struct {
	ID     int    `json:"id"`
	ParkID int    `json:"parkId"`
	Name   string `json:"name"`
}

// Facility is the slice of a park facility this service needs.
type Facility struct {
	ID     string `json:"id"`
	ParkID int    `json:"parkId"`
	Name   string `json:"name"`
}

// ParkDirectory resolves entities owned by the park service.
// Lookups return ErrZoneNotFound / ErrFacilityNotFound when the id does not resolve.
type ParkDirectory interface {
	GetZone(ctx context.Context, zoneID int) (*Zone, error)
	GetFacility(ctx context.Context, facilityID string) (*Facility, error)
}

// PermissionResolver resolves the permissions granted to a staff member.
type PermissionResolver interface {
	ResolvePermissions(ctx context.Context, staffID string) ([]string, error)
}

const (
	PermissionHubsRead     = "hubs:read"
	PermissionHubsWrite    = "hubs:write"
	PermissionSensorsRead  = "sensors:read"
	PermissionSensorsWrite = "sensors:write"
	PermissionAdmin        = "admin"
)

// HasPermission reports whether granted covers required. admin covers everything.
func HasPermission(granted []string, required string) bool {
	for _, p := range granted {
		if p == required || p == PermissionAdmin {
			return true
		}
	}
	return false
}
