package config

// Flags carries the command-line values that feed config resolution.
type Flags struct {
	// Config is the path to a config file. It conflicts with the CONFIG
	// environment variable when both are set to different paths.
	Config string

	// Service selects which service to run. Empty runs every service in
	// one process.
	Service string
}
