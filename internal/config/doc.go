// Package config provides centralized configuration management for the
// BlogPilot runtime: server address, task store and queue drivers, engine
// runtime bounds, and logging behaviour, loaded from a JSON file with
// defaults applied for unset fields.
package config
