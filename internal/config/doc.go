// Package config loads the JSON process configuration shared by the mechx
// CLI and the mechxd daemon, applies defaults, and overlays the MECHX_*
// environment variables (optionally read from a .env file).
package config
