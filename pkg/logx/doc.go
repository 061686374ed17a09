// Package logx is a thin structured logging layer over zerolog.
//
// Loggers obtained from a Service follow every Service.Apply, so a config
// reload can change the level or the sinks without handing out new loggers.
// The console sink is human readable; the file sink writes JSON lines.
package logx
