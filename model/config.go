package model

// LaunchSpec describes how the managed server process is spawned
type LaunchSpec struct {
	Command string   // executable name or path
	Args    []string // command line arguments
	Env     []string // extra KEY=VALUE pairs appended to the inherited environment
	Dir     string   // working directory, empty keeps the caller's
	LogPath string   // file receiving the server's stdout and stderr
	Nice    int      // scheduling niceness applied right after spawn
}
