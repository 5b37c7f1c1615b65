package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with session and call details found on the
// context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.ClientID),
			slog.String("address", sd.Address),
			slog.String("state", sd.State),
		))
	}

	if cd, ok := ctx.Value(callDataKey{}).(*CallData); ok {
		r.AddAttrs(slog.Group("call",
			slog.String("method", cd.Method),
			slog.String("name", cd.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler is decorated by Handler. A nil logger
// wraps slog.Default().
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type sessionDataKey struct{}

type SessionData struct {
	ClientID string
	Address  string
	State    string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type callDataKey struct{}

type CallData struct {
	Method string
	Name   string
}

func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callDataKey{}, data)
}
