package models

// Device represents a discovered LAN endpoint.
type Device struct {
	Name              string `json:"name"`
	Address           string `json:"address"`
	Port              int    `json:"port"`
	Status            string `json:"status"`
	AdvertisedVersion string `json:"version"`
}
