// Package log provides structured logging for HakuRiver using zerolog.
//
// A single global Logger is initialized once via Init and component-scoped
// child loggers are derived with WithComponent/WithHostname/WithTaskID so
// call sites don't need to thread a logger through every function signature.
//
// JSON output is used in production; console output with a human-readable
// timestamp is used for local development via Config.JSONOutput.
package log
