// Package logx is tweetq's structured logger: a thin layer over zerolog with
// per-component loggers (Named), typed fields and a Service whose level and sinks
// can be swapped while the daemon runs.
package logx
