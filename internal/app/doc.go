// Package app wires the bootstrap phases into one run: book nodes, discover
// the NAS groups, provision runtimes, deploy artifacts, launch the workers
// and supervise them until they exit or the run is interrupted. It is
// decoupled from any specific entrypoint like a CLI.
package app
