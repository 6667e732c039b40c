package config

// Source indicates where a configuration value came from.
type Source string

const (
	// SourceUnset means no layer provided a value.
	SourceUnset Source = "unset"

	// SourceDefault indicates the value is a built-in default.
	SourceDefault Source = "default"

	// SourceFile indicates the value came from the YAML config file.
	SourceFile Source = "file"

	// SourceEnv indicates the value came from a STACKSYNC_ variable.
	SourceEnv Source = "env"

	// SourceFlag indicates the value was set by a command-line flag.
	SourceFlag Source = "flag"

	// SourceRemote indicates the value was inferred from the remote URL.
	SourceRemote Source = "remote"

	// SourceStore indicates a credential read from the encrypted store.
	SourceStore Source = "store"
)
