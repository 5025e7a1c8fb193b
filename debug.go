package spibridge

import (
	"context"
	"log/slog"
)

// LevelTrace logs every request the dispatcher handles.
const LevelTrace = slog.LevelDebug - 1

func (a *App) logerr(msg string, attrs ...slog.Attr) {
	a.logattrs(slog.LevelError, msg, attrs...)
}

func (a *App) warn(msg string, attrs ...slog.Attr) {
	a.logattrs(slog.LevelWarn, msg, attrs...)
}

func (a *App) info(msg string, attrs ...slog.Attr) {
	a.logattrs(slog.LevelInfo, msg, attrs...)
}

func (a *App) debug(msg string, attrs ...slog.Attr) {
	a.logattrs(slog.LevelDebug, msg, attrs...)
}

func (a *App) trace(msg string, attrs ...slog.Attr) {
	a.logattrs(LevelTrace, msg, attrs...)
}

func (a *App) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if a.Logger == nil {
		return
	}
	a.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}
