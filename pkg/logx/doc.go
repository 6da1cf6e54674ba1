// Package logx is sheetsync's structured logging layer on top of zerolog.
//
// A Service owns the sinks (console, file, Telegram) and can be
// reconfigured at runtime with Apply; Loggers derived from it follow the
// current configuration. Fields are small closures applied to the zerolog
// event in order.
package logx
