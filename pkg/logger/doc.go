// Package logger builds the process-wide slog logger: text output in
// development, JSON in production, with the environment attached to every
// record.
package logger
