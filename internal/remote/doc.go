// Package remote defines the collaborators through which the orchestrator
// reaches other machines, and provides concrete implementations of them.
//
// Four capabilities are used by the phases:
//
//   - Executor runs one shell command on a node and returns its output lines
//     and exit status.
//   - Transfer pushes a local file or directory to a directory on a node.
//   - Prober checks whether a node answers at all.
//   - Opener opens a long-lived shell channel whose input and output streams
//     are owned by the caller.
//
// Every capability takes an optional frontal node: when present, the call is
// chained through it.
//
// Two transports are provided. OpenSSH shells out to the ssh client binary,
// inheriting the user's ssh configuration. Native speaks SSH in-process
// through golang.org/x/crypto/ssh using the running ssh-agent.
package remote
