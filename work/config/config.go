package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the DLNA media server.
// It includes the HTTP listen settings, server identity used in UPnP
// advertising, persistence paths, subscription/eventing tunables, and the
// full set of renderer profile definitions used for device recognition.
type Config struct {
	ListenAddress       string            // Host:port the HTTP server binds to
	BaseURL             string            // Externally reachable base URL used in DIDL resource URIs and NOTIFY callbacks
	ServerUUID          string            // Stable UUID advertised as the media server root device
	FriendlyName        string            // Human-readable server name shown by renderers
	DatabasePath        string            // SQLite database location for counters and bookmarks
	MediaRoot           string            // Root directory of the shared media library
	Debug               bool              // Enable debug logging
	SubscriptionTimeout time.Duration     // GENA subscription lifetime requested from renderers (UPnP mandates an explicit value; 5 minutes)
	RenewalMargin       time.Duration     // How long before expiry a subscription renewal is scheduled
	UpdateDebounce      time.Duration     // Collapse window for SystemUpdateID bumps
	PollInterval        time.Duration     // Position poll cadence for the liveness monitor
	PositionPollsPerSec int               // Rate limit for GetPositionInfo calls per renderer
	WorkerThreads       int               // Size of the shared background worker pool
	BrowseCacheEntries  int               // Capacity of the Browse/Search response cache
	BrowseCacheTTL      time.Duration     // Lifetime of cached Browse/Search responses
	DefaultProfile      string            // Profile assumed for renderers nothing else matches
	Profiles            []RendererProfile // All configured renderer profiles
}

// RendererProfile describes one renderer family: how to recognize it from
// HTTP traffic or UPnP device details, and the protocol quirks the
// ContentDirectory dispatcher and streaming layer must honor for it.
type RendererProfile struct {
	Name             string   `json:"name"`             // Unique profile name (e.g. "Samsung TV", "Xbox 360")
	UserAgentRegex   string   `json:"userAgentRegex"`   // Regex matched against the User-Agent header
	HeaderName       string   `json:"headerName"`       // Optional extra recognition header (e.g. X-AV-Client-Info)
	HeaderRegex      string   `json:"headerRegex"`      // Regex matched against HeaderName's value
	UpnpDetailsRegex string   `json:"upnpDetailsRegex"` // Regex matched against discovered device details (manufacturer/model)
	SupportsSearch   bool     `json:"supportsSearch"`   // Whether the renderer is offered search capabilities
	FlattenedResults bool     `json:"flattenedResults"` // Renderer expects the first result's children instead of the result list
	DeferredTotals   bool     `json:"deferredTotals"`   // Renderer needs inflated TotalMatches until child metadata is counted
	NoTranscode      bool     `json:"noTranscode"`      // Forced no-transcode profile selected via URL hint
	SupportedFormats []string `json:"supportedFormats"` // Container/codec identifiers the renderer can play natively; empty means everything
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. Duration fields (e.g. "300s") are parsed into time.Duration
// values after loading.
type ConfigFile struct {
	ListenAddress       string            `json:"listenAddress"`
	BaseURL             string            `json:"baseURL"`
	ServerUUID          string            `json:"serverUUID"`
	FriendlyName        string            `json:"friendlyName"`
	DatabasePath        string            `json:"databasePath"`
	MediaRoot           string            `json:"mediaRoot"`
	Debug               bool              `json:"debug"`
	SubscriptionTimeout string            `json:"subscriptionTimeout"` // Duration string (e.g. "5m")
	RenewalMargin       string            `json:"renewalMargin"`       // Duration string (e.g. "30s")
	UpdateDebounce      string            `json:"updateDebounce"`      // Duration string (e.g. "300ms")
	PollInterval        string            `json:"pollInterval"`        // Duration string (e.g. "1s")
	PositionPollsPerSec int               `json:"positionPollsPerSec"`
	WorkerThreads       int               `json:"workerThreads"`
	BrowseCacheEntries  int               `json:"browseCacheEntries"`
	BrowseCacheTTL      string            `json:"browseCacheTTL"` // Duration string (e.g. "2s")
	DefaultProfile      string            `json:"defaultProfile"`
	Profiles            []RendererProfile `json:"profiles"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// configPath is where LoadConfig looks for the JSON configuration file.
// Overridable for tests.
var configPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from the configured path.
//   - Falls back to the built-in default config if the file is missing or invalid.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// re-check after acquiring the write lock
	if configCache != nil {
		return configCache
	}

	cfg, err := loadConfigFile(configPath)
	if err != nil {
		log.Printf("[CONFIG] Could not load %s (%v), using defaults", configPath, err)
		cfg = DefaultConfig()
	}

	configCache = cfg
	return configCache
}

// ClearConfigCache drops the cached configuration so the next LoadConfig call
// re-reads the file. Used by the graceful-restart path.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// DefaultConfig returns a fully-populated configuration with sane defaults
// and the built-in renderer profiles.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:       ":5001",
		BaseURL:             "http://localhost:5001",
		ServerUUID:          "89665984-7466-0011-846a-000000000000",
		FriendlyName:        "UMS DLNA Server",
		DatabasePath:        "/data/ums.db",
		MediaRoot:           "/media",
		Debug:               false,
		SubscriptionTimeout: 5 * time.Minute,
		RenewalMargin:       30 * time.Second,
		UpdateDebounce:      300 * time.Millisecond,
		PollInterval:        time.Second,
		PositionPollsPerSec: 1,
		WorkerThreads:       16,
		BrowseCacheEntries:  256,
		BrowseCacheTTL:      2 * time.Second,
		DefaultProfile:      "Generic UPnP",
		Profiles:            defaultProfiles(),
	}
}

// defaultProfiles returns the built-in renderer profile set. The config file
// may extend or replace these; names must stay unique.
func defaultProfiles() []RendererProfile {
	return []RendererProfile{
		{
			Name:           "Generic UPnP",
			SupportsSearch: true,
		},
		{
			Name:             "Samsung TV",
			UserAgentRegex:   `SEC_HHP|Samsung`,
			HeaderName:       "User-Agent",
			UpnpDetailsRegex: `(?i)samsung`,
			SupportsSearch:   true,
			SupportedFormats: []string{"mpegts", "mp4", "mkv", "mp3", "jpeg"},
		},
		{
			Name:             "Xbox 360",
			UserAgentRegex:   `Xbox|Xenon`,
			UpnpDetailsRegex: `(?i)xbox`,
			SupportsSearch:   true,
			FlattenedResults: true,
			SupportedFormats: []string{"wmv", "mp4", "wma", "mp3", "jpeg"},
		},
		{
			Name:             "Sony Bravia",
			UserAgentRegex:   `Sony`,
			HeaderName:       "X-AV-Client-Info",
			HeaderRegex:      `(?i)bravia`,
			UpnpDetailsRegex: `(?i)sony`,
			DeferredTotals:   true,
			SupportedFormats: []string{"mpegts", "mp4", "mp3", "jpeg"},
		},
		{
			Name:        "No Transcode",
			NoTranscode: true,
		},
	}
}

// loadConfigFile reads and parses the JSON configuration from disk, converting
// all duration strings into time.Duration values and filling any unset fields
// from the defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	cfg := DefaultConfig()

	if file.ListenAddress != "" {
		cfg.ListenAddress = file.ListenAddress
	}
	if file.BaseURL != "" {
		cfg.BaseURL = file.BaseURL
	}
	if file.ServerUUID != "" {
		cfg.ServerUUID = file.ServerUUID
	}
	if file.FriendlyName != "" {
		cfg.FriendlyName = file.FriendlyName
	}
	if file.DatabasePath != "" {
		cfg.DatabasePath = file.DatabasePath
	}
	if file.MediaRoot != "" {
		cfg.MediaRoot = file.MediaRoot
	}
	cfg.Debug = file.Debug

	if d, ok := parseDuration(file.SubscriptionTimeout); ok {
		cfg.SubscriptionTimeout = d
	}
	if d, ok := parseDuration(file.RenewalMargin); ok {
		cfg.RenewalMargin = d
	}
	if d, ok := parseDuration(file.UpdateDebounce); ok {
		cfg.UpdateDebounce = d
	}
	if d, ok := parseDuration(file.PollInterval); ok {
		cfg.PollInterval = d
	}
	if file.PositionPollsPerSec > 0 {
		cfg.PositionPollsPerSec = file.PositionPollsPerSec
	}
	if file.WorkerThreads > 0 {
		cfg.WorkerThreads = file.WorkerThreads
	}
	if file.BrowseCacheEntries > 0 {
		cfg.BrowseCacheEntries = file.BrowseCacheEntries
	}
	if d, ok := parseDuration(file.BrowseCacheTTL); ok {
		cfg.BrowseCacheTTL = d
	}
	if file.DefaultProfile != "" {
		cfg.DefaultProfile = file.DefaultProfile
	}
	if len(file.Profiles) > 0 {
		cfg.Profiles = file.Profiles
	}

	return cfg, nil
}

// parseDuration converts a duration string into a time.Duration, reporting
// whether the value was present and valid.
func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("[CONFIG] Invalid duration %q: %v", s, err)
		return 0, false
	}
	return d, true
}

// GetProfileByName returns the profile with the given name, or nil when no
// such profile is configured.
func (c *Config) GetProfileByName(name string) *RendererProfile {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i]
		}
	}
	return nil
}

// GetDefaultProfile returns the configured default renderer profile, falling
// back to the first profile when the configured name does not resolve.
func (c *Config) GetDefaultProfile() *RendererProfile {
	if p := c.GetProfileByName(c.DefaultProfile); p != nil {
		return p
	}
	if len(c.Profiles) > 0 {
		return &c.Profiles[0]
	}
	return nil
}
