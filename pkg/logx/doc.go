// Package logx configures fpsched's structured logging.
//
// Components log through a small value type (logx.Logger) on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON, one event per line
//   - The level and sinks can be swapped at runtime via Service.Apply
//
// The zero Logger is a valid no-op logger, so components can accept one
// without nil checks.
package logx
