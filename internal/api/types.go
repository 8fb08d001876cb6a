package api

import "time"

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status  string `json:"status" yaml:"status" toml:"status"`
	Version string `json:"version" yaml:"version" toml:"version"`
	Uptime  string `json:"uptime" yaml:"uptime" toml:"uptime"`
}

// InfoResponse describes the running configuration. Secrets are omitted.
type InfoResponse struct {
	Version            string      `json:"version" yaml:"version"`
	StartedAt          time.Time   `json:"started_at" yaml:"started_at"`
	ConfigFile         string      `json:"config_file,omitempty" yaml:"config_file,omitempty"`
	DefaultContentType string      `json:"default_content_type" yaml:"default_content_type"`
	MediaTypes         []string    `json:"media_types" yaml:"media_types"`
	GlobalRates        string      `json:"global_rates" yaml:"global_rates"`
	Routes             []RouteInfo `json:"routes" yaml:"routes"`
	Overrides          int         `json:"overrides" yaml:"overrides"`
	BlackListEnabled   bool        `json:"black_list_enabled" yaml:"black_list_enabled"`
	WhiteListEnabled   bool        `json:"white_list_enabled" yaml:"white_list_enabled"`
	CORSEnabled        bool        `json:"cors_enabled" yaml:"cors_enabled"`
	MaxPayloadBytes    int64       `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	Workers            int         `json:"workers" yaml:"workers"`
}

// RouteInfo is one registered route.
type RouteInfo struct {
	Key   string `json:"key" yaml:"key"`
	Rates string `json:"rates,omitempty" yaml:"rates,omitempty"`
	CORS  bool   `json:"cors" yaml:"cors"`
}

// ReloadResponse is returned after a successful configuration reload.
type ReloadResponse struct {
	Reloaded   bool   `json:"reloaded" yaml:"reloaded" toml:"reloaded"`
	ConfigFile string `json:"config_file,omitempty" yaml:"config_file,omitempty" toml:"config_file,omitempty"`
	Overrides  int    `json:"overrides" yaml:"overrides" toml:"overrides"`
}

// GCResponse reports heap usage around a forced collection.
type GCResponse struct {
	HeapBefore string `json:"heap_before" yaml:"heap_before" toml:"heap_before"`
	HeapAfter  string `json:"heap_after" yaml:"heap_after" toml:"heap_after"`
	Goroutines int    `json:"goroutines" yaml:"goroutines" toml:"goroutines"`
}
