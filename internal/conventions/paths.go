package conventions

import "path/filepath"

const (
	// DefaultDataDir is the default agentline data directory name (relative to home).
	DefaultDataDir = ".agentline"
	// DBFile is the SQLite journal filename.
	DBFile = "agentline.db"
	// ConfigFile is the pipeline configuration filename.
	ConfigFile = "agentline.yaml"
	// EnvPrefix is the prefix of the environment variables that set flags.
	EnvPrefix = "AGENTLINE"
	// DefaultListenAddress is the default API server address.
	DefaultListenAddress = ":8080"
)

// DataDir returns the agentline data directory inside a home directory.
func DataDir(homeDir string) string {
	return filepath.Join(homeDir, DefaultDataDir)
}

// DBPath returns the default SQLite journal path inside a home directory.
func DBPath(homeDir string) string {
	return filepath.Join(DataDir(homeDir), DBFile)
}

// ConfigPath returns the default pipeline configuration path inside a home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(DataDir(homeDir), ConfigFile)
}
