package router

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy names accepted in rules.
const (
	StrategyNetworkOnly          = "network-only"
	StrategyCacheFirst           = "cache-first"
	StrategyNetworkFirst         = "network-first"
	StrategyStaleWhileRevalidate = "stale-while-revalidate"
)

// Rule maps matching requests to a caching strategy and a bucket.
// Matching fields (prefix, path, destination) are ANDed; a rule with
// none set matches everything and acts as a catch-all.
type Rule struct {
	Prefix      string     `yaml:"prefix"`
	Path        string     `yaml:"path"`
	Destination string     `yaml:"destination"`
	Strategy    string     `yaml:"strategy"`
	Cache       string     `yaml:"cache"`
	Expiration  Expiration `yaml:"expiration"`
}

// Rules is an ordered rule list. Rules are evaluated in listed order and
// the first match wins; there is no fallthrough merging, so put the most
// specific rules (auth paths in particular) first.
type Rules []Rule

func (r Rules) find(req *http.Request) *Rule {
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if rule.Destination != "" && rule.Destination != destinationOf(req) {
			continue
		}
		return rule
	}
	return nil
}

// Validate checks that every rule names a known strategy and that rules
// which cache name a bucket.
func (r Rules) Validate() error {
	for i, rule := range r {
		switch rule.Strategy {
		case StrategyNetworkOnly:
		case StrategyCacheFirst, StrategyNetworkFirst, StrategyStaleWhileRevalidate:
			if rule.Cache == "" {
				return fmt.Errorf("rule %d: strategy %q needs a cache name", i, rule.Strategy)
			}
		default:
			return fmt.Errorf("rule %d: unknown strategy %q", i, rule.Strategy)
		}
	}
	return nil
}

var extensionDestinations = map[string]string{
	".png": "image", ".jpg": "image", ".jpeg": "image", ".gif": "image",
	".webp": "image", ".svg": "image", ".ico": "image",
	".woff": "font", ".woff2": "font", ".ttf": "font", ".otf": "font",
	".js": "script", ".mjs": "script",
	".css":  "style",
	".html": "document",
}

// destinationOf classifies what a request is fetching. Browsers declare
// it in Sec-Fetch-Dest; absent that, the URL extension decides.
func destinationOf(req *http.Request) string {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" && dest != "empty" {
		return dest
	}
	if dest, ok := extensionDestinations[strings.ToLower(path.Ext(req.URL.Path))]; ok {
		return dest
	}
	if isNavigation(req) {
		return "document"
	}
	return ""
}

// isNavigation reports whether the request is a page navigation.
func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// Navigation configures the offline fallback chain for page navigations.
type Navigation struct {
	// Cache is the bucket holding the fallback documents.
	Cache string `yaml:"cache"`
	// IndexPath is the app shell served when the requested page is not
	// cached.
	IndexPath string `yaml:"indexPath"`
	// OfflinePath is the dedicated offline page, the last resort before
	// a synthetic 503.
	OfflinePath string `yaml:"offlinePath"`
}

// Config is the router's YAML-file configuration.
type Config struct {
	Routes     Rules      `yaml:"routes"`
	Navigation Navigation `yaml:"navigation"`
}

// LoadConfig reads and parses a YAML rule-set file.
func LoadConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// DefaultRules is the rule set used when no config file is given.
// apiPrefix parameterizes where the backing API is mounted (for example
// "/api/v1"). Authentication paths come first and are never cached.
func DefaultRules(apiPrefix string) Rules {
	apiPrefix = "/" + strings.Trim(apiPrefix, "/")
	return Rules{
		{Prefix: apiPrefix + "/auth", Strategy: StrategyNetworkOnly},
		{Prefix: "/auth", Strategy: StrategyNetworkOnly},
		{Prefix: apiPrefix, Strategy: StrategyStaleWhileRevalidate, Cache: "api",
			Expiration: Expiration{MaxEntries: 128, MaxAgeSeconds: 3600}},
		{Destination: "image", Strategy: StrategyCacheFirst, Cache: "assets",
			Expiration: Expiration{MaxEntries: 64, MaxAgeSeconds: 30 * 24 * 3600}},
		{Destination: "font", Strategy: StrategyCacheFirst, Cache: "assets",
			Expiration: Expiration{MaxEntries: 64, MaxAgeSeconds: 30 * 24 * 3600}},
		{Destination: "script", Strategy: StrategyStaleWhileRevalidate, Cache: "assets",
			Expiration: Expiration{MaxEntries: 64, MaxAgeSeconds: 7 * 24 * 3600}},
		{Destination: "style", Strategy: StrategyStaleWhileRevalidate, Cache: "assets",
			Expiration: Expiration{MaxEntries: 64, MaxAgeSeconds: 7 * 24 * 3600}},
		{Strategy: StrategyNetworkFirst, Cache: "pages",
			Expiration: Expiration{MaxEntries: 32, MaxAgeSeconds: 24 * 3600}},
	}
}

// DefaultNavigation pairs with DefaultRules.
func DefaultNavigation() Navigation {
	return Navigation{Cache: "pages", IndexPath: "/index.html", OfflinePath: "/offline.html"}
}
