package tracker

import (
	"context"
	"log/slog"
)

// levelHandler lowers the minimum level of an existing handler. It is
// used for pages loaded with the debug parameter.
type levelHandler struct {
	level slog.Leveler
	inner slog.Handler
}

func withMinLevel(h slog.Handler, level slog.Leveler) slog.Handler {
	if lh, ok := h.(*levelHandler); ok {
		h = lh.inner
	}
	return &levelHandler{level: level, inner: h}
}

func (h *levelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, inner: h.inner.WithGroup(name)}
}
