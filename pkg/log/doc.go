/*
Package log provides structured logging for Burrow using zerolog.

The package wraps zerolog behind a global Logger that is initialized once
at process start via Init. All packages log through it, either directly or
through component-scoped child loggers created with WithComponent.

JSON output is the production default; console output is available for
development. Log level is configured through the observability section of
the worker configuration.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	syncLog := log.WithComponent("master-sync")
	syncLog.Info().Int64("worker_id", 42).Msg("registered with master")
*/
package log
