// Package geofence defines the geofence projection derived from an asset's
// deployed rulesets. Definitions are never persisted; they are recomputed on
// demand from deployment state.
package geofence

// Definition is one location/radius/notification tuple declared by a
// deployed ruleset for an asset
type Definition struct {
	ID           string         `json:"id"`
	Lat          float64        `json:"lat"`
	Lng          float64        `json:"lng"`
	Radius       float64        `json:"radius"`
	Notification map[string]any `json:"notification,omitempty"`
}
