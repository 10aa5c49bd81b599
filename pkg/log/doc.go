/*
Package log provides structured logging for berth using zerolog.

A single package-level Logger is configured once by Init and shared by every
package. Components derive child loggers so each line carries its origin:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	orchLog := log.WithComponent("orchestrator")
	opLog := log.WithOperationID(orchLog, op.ID)
	opLog.Info().Str("tag", "v1.3.0").Msg("Pulling image")

Until Init is called the Logger discards everything, which keeps library use
and tests quiet.

Console output (default) is meant for humans running the CLI; JSON output is
meant for the desktop shell, which collects the log stream for diagnostics.
Technical detail such as runtime or registry errors belongs in log fields
(.Err, .Str), never in the short user-facing operation message.
*/
package log
