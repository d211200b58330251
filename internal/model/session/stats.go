package session

// Stats summarises the registry for health endpoints.
type Stats struct {
	Sessions     int `json:"sessions"`
	Idle         int `json:"idle"`
	KioskPeers   int `json:"kioskPeers"`
	TabletPeers  int `json:"tabletPeers"`
	EvictedTotal int `json:"evictedTotal"`
}
