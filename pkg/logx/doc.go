// Package logx wraps zerolog for dispatchd.
//
// Console output stays short (timestamp + file:line caller), the file sink
// writes JSON, and an optional alert sink forwards warnings to an operator
// channel with min-level and rate limiting.
package logx
