// Package logx is dagd's structured logger, a thin layer over zerolog.
//
// A Logger obtained from a Service follows Service.Apply, so config reloads
// change level and sinks without handing out new loggers. Console output is
// human-readable text by default; file output is always JSON.
package logx
