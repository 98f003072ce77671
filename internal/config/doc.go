// Package config defines the immutable configuration value handed to the
// orchestration entrypoint, its defaults and validation, and the Loader
// interface implemented by format-specific loaders such as hclconfig.
//
// A Model is built once at startup and passed by value. Nothing in the
// orchestration reads process-wide mutable state for the application name,
// home directory or binaries cache location; it all comes from here.
package config
