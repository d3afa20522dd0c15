package v2

// Config holds configuration for creating a logger instance
type Config struct {
	// Level specifies the minimum log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format specifies the output format (text, json)
	Format string `mapstructure:"format"`

	// Output is "stdout", "stderr", or a file path
	Output string `mapstructure:"output"`

	// FilePath, when set, tees every entry into this file as well
	FilePath string `mapstructure:"file"`
}

// DefaultConfig returns the configuration used when nothing is set.
// Logs go to stderr so that stdout stays free for command output.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}
