// Package config loads the squawk configuration: YAML file discovery
// through the user's standard config directories, environment variable
// overrides, and live reload of the tunable playback keys.
package config
