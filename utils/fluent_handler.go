package utils

import (
	"context"
	"log/slog"
	"time"
)

// fluentPoster is the part of *fluent.Fluent the handler needs.
type fluentPoster interface {
	PostWithTime(tag string, tm time.Time, message interface{}) error
}

// fluentHandler turns slog records into flat fluent messages. Group names
// become dotted key prefixes.
type fluentHandler struct {
	client fluentPoster
	tag    string
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func newFluentHandler(client fluentPoster, tag string, level slog.Leveler) *fluentHandler {
	return &fluentHandler{client: client, tag: tag, level: level}
}

func (h *fluentHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *fluentHandler) Handle(_ context.Context, r slog.Record) error {
	msg := make(map[string]interface{}, r.NumAttrs()+len(h.attrs)+2)
	msg["level"] = r.Level.String()
	msg["msg"] = r.Message
	for _, a := range h.attrs {
		addFluentAttr(msg, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addFluentAttr(msg, h.prefix, a)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return h.client.PostWithTime(h.tag, ts, msg)
}

func (h *fluentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *fluentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func addFluentAttr(msg map[string]interface{}, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := prefix + a.Key
	switch a.Value.Kind() {
	case slog.KindGroup:
		sub := key + "."
		if a.Key == "" {
			sub = prefix
		}
		for _, g := range a.Value.Group() {
			addFluentAttr(msg, sub, g)
		}
	case slog.KindTime:
		msg[key] = a.Value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindDuration:
		msg[key] = a.Value.Duration().String()
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			msg[key] = err.Error()
			return
		}
		msg[key] = a.Value.Any()
	default:
		msg[key] = a.Value.Any()
	}
}
