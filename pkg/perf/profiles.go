// Package perf instruments pool usage with timing capture and derives
// advisory tuning recommendations from observed hit ratios and latencies.
package perf

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v2"
)

// Profile fixes a set of tuning knobs together. Selecting a profile decides
// pool sizing, monitoring and assumed concurrency as one unit rather than
// letting them vary independently.
type Profile struct {
	Name             string `yaml:"name"`
	PoolMinSize      int    `yaml:"pool_min_size"`
	PoolMaxSize      int    `yaml:"pool_max_size"`
	EnableMonitoring bool   `yaml:"enable_monitoring"`
	ConcurrentTests  int    `yaml:"concurrent_tests"`
}

// The four built-in profiles.
const (
	ProfileDevelopment = "development"
	ProfileCIFast      = "ci-fast"
	ProfileCIThorough  = "ci-thorough"
	ProfileProduction  = "production"
)

var builtinProfiles = map[string]Profile{
	ProfileDevelopment: {
		Name:             ProfileDevelopment,
		PoolMinSize:      1,
		PoolMaxSize:      5,
		EnableMonitoring: false,
		ConcurrentTests:  1,
	},
	ProfileCIFast: {
		Name:             ProfileCIFast,
		PoolMinSize:      2,
		PoolMaxSize:      10,
		EnableMonitoring: false,
		ConcurrentTests:  4,
	},
	ProfileCIThorough: {
		Name:             ProfileCIThorough,
		PoolMinSize:      5,
		PoolMaxSize:      25,
		EnableMonitoring: true,
		ConcurrentTests:  8,
	},
	ProfileProduction: {
		Name:             ProfileProduction,
		PoolMinSize:      10,
		PoolMaxSize:      50,
		EnableMonitoring: true,
		ConcurrentTests:  16,
	},
}

// LookupProfile returns a built-in profile by name.
func LookupProfile(name string) (Profile, error) {
	p, ok := builtinProfiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown performance profile %q", name)
	}
	return p, nil
}

// LoadProfiles reads additional profiles from a YAML document of the form:
//
//	profiles:
//	  - name: nightly
//	    pool_min_size: 5
//	    pool_max_size: 40
//	    enable_monitoring: true
//	    concurrent_tests: 12
func LoadProfiles(r io.Reader) (map[string]Profile, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	out := make(map[string]Profile, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile without a name")
		}
		out[p.Name] = p
	}
	return out, nil
}
