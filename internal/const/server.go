package _const

// Managed server defaults
const (
	DefaultCommand    = "ollama"
	DefaultHealthHost = "127.0.0.1"
	DefaultHealthPort = 11434

	// Environment variable the server itself reads for its listen address
	EnvOllamaHost = "OLLAMA_HOST"
)

// DefaultArgs returns the default server arguments
func DefaultArgs() []string {
	return []string{"serve"}
}
