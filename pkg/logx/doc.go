// Package logx is taskhost's structured logger: a value-type wrapper over
// zerolog whose output can be reconfigured at runtime. Console output is
// human readable; the optional file sink writes JSON rotated by lumberjack.
package logx
