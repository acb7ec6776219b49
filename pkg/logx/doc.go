// Package logx configures notebot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (millisecond timestamp + short caller)
//   - file output is JSON
//   - an optional chat sink forwards WARN+ lines to an operator chat, rate limited
package logx
