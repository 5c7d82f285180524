// Package punchagent relays attendance punches from a biometric terminal to
// a remote collection endpoint.
//
// A Cycle connects to the terminal, extracts and filters the punch log,
// delivers the batch and always releases the session. A Scheduler runs cycles
// on one background worker with an interruptible wait between them, and a
// Watchdog notices a worker that died while it should still be running.
package punchagent
