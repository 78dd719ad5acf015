// Package logx provides structured logging for casterd.
//
// It is a thin layer over zerolog with three goals:
//
//   - a small Field-based call surface so services never import zerolog,
//   - runtime reconfiguration (level, sinks) via Service.Apply without
//     invalidating loggers already handed out,
//   - a zero value that is safe to log through (no-op), so components can
//     be constructed before logging is wired.
package logx
