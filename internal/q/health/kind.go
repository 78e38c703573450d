package health

import "log/slog"

// Kind tags a HealthErr with a stable, switchable category, so callers can
// dispatch on error kind (retryable vs. fatal, §4.10) without string
// matching on Message.
type Kind string

// KindOf returns the Kind attr attached by NewKindErr/WrapKind, or "" if err
// is not a health error or carries no kind attr.
func KindOf(err error) Kind {
	h, ok := err.(*HealthErr)
	if !ok {
		return ""
	}
	for _, a := range h.attrs {
		if attr, ok := a.(slog.Attr); ok && attr.Key == "kind" {
			return Kind(attr.Value.String())
		}
	}
	return ""
}

// NewKindErr is NewErr with a Kind attr prepended, so it round-trips through
// KindOf and through the rendered log line.
func NewKindErr(kind Kind, msg string, args ...any) error {
	return NewErr(msg, append([]any{slog.String("kind", string(kind))}, args...)...)
}

// WrapKind is Wrap with a Kind attr prepended.
func WrapKind(kind Kind, msg string, wrapped error, args ...any) error {
	return Wrap(msg, wrapped, append([]any{slog.String("kind", string(kind))}, args...)...)
}
