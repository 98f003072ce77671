// Package testutil holds in-memory fakes of the remote collaborators and
// small helpers shared by the package tests.
//
// Fabric simulates a set of hosts. Every host is attached to a storage;
// hosts attached to the same storage see the same home directory, which is
// what group discovery detects. Fabric implements remote.Executor,
// remote.Transfer and remote.Opener by interpreting the handful of shell
// commands the orchestration issues, and records every call.
package testutil
