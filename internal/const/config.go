package _const

// Paths relative to the user's home directory
const (
	DefaultStateDirName   = ".ollama"
	DefaultConfigFileName = "resource_config.json"
	StateFileName         = "service_state.json"
	LockFileName          = "service.lock"
	HistoryDBFileName     = "service_history.db"
	ServerLogFileName     = "serve.log"
	MonitorLogFileName    = "ollama_service.log"

	// Environment overrides
	EnvStateDir = "OLLAMA_RUN_STATE_DIR"
	EnvInterval = "OLLAMA_RUN_INTERVAL"
	EnvConfig   = "OLLAMA_RUN_CONFIG"

	// Monitor output pacing
	DefaultWarnEvery    = 5 // full warning detail at most once per this many ticks
	DefaultDegradeAfter = 3 // consecutive ticks with warnings before running -> degraded

	DefaultHistoryLimit = 20
)
