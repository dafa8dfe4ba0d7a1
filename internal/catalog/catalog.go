// Package catalog maintains the device catalog: a point-in-time snapshot
// of the entities and areas known to Home Assistant, plus the resolver
// that maps free-form command text to catalog entries.
package catalog

import "strings"

// Device is one controllable entity in the catalog.
type Device struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Area     string `json:"area"`
}

// Area is a room or zone from the Home Assistant area registry.
type Area struct {
	AreaID     string `json:"area_id"`
	Name       string `json:"name"`
	ParentArea string `json:"parent_area,omitempty"`
}

// Snapshot is an immutable view of the catalog at one sync. Snapshots
// are replaced wholesale; never mutate one after publishing it.
type Snapshot struct {
	Devices []Device
	Areas   []Area
}

// DevicesInDomain returns the devices whose domain matches, in catalog
// order.
func (s *Snapshot) DevicesInDomain(domain string) []Device {
	var out []Device
	for _, d := range s.Devices {
		if d.Domain == domain {
			out = append(out, d)
		}
	}
	return out
}

// Device returns the device with the given entity ID, if present.
func (s *Snapshot) Device(entityID string) (Device, bool) {
	for _, d := range s.Devices {
		if d.EntityID == entityID {
			return d, true
		}
	}
	return Device{}, false
}

// NormalizeArea lowercases an area name and strips spaces and
// underscores, so "Living Room", "living_room", and "livingroom" all
// compare equal.
func NormalizeArea(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}
