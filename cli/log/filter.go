package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// KeyRealm is the attribute naming the part of multiregistry a record comes from,
// e.g. "multiregistry", "instance", "binary" or "wasm".
const KeyRealm = "realm"

// realmFilter drops records whose realm has a higher minimum level than the record.
// Records without realm pass unchanged.
type realmFilter struct {
	handler slog.Handler
	levels  map[string]slog.Level
	// realm set through WithAttrs
	realm string
}

// NewRealmFilter wraps handler so that records of a realm in levels need at least that level.
func NewRealmFilter(handler slog.Handler, levels map[string]slog.Level) slog.Handler {
	return &realmFilter{handler: handler, levels: levels}
}

func (f *realmFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.handler.Enabled(ctx, level)
}

func (f *realmFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	realm := f.realm
	for _, attr := range attrs {
		if attr.Key == KeyRealm {
			realm = attr.Value.String()
		}
	}
	return &realmFilter{handler: f.handler.WithAttrs(attrs), levels: f.levels, realm: realm}
}

func (f *realmFilter) WithGroup(name string) slog.Handler {
	// attributes inside the group cannot carry the realm anymore
	return &realmFilter{handler: f.handler.WithGroup(name), levels: f.levels, realm: f.realm}
}

func (f *realmFilter) Handle(ctx context.Context, record slog.Record) error {
	realm := f.realm
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == KeyRealm {
			realm = attr.Value.String()
			return false
		}
		return true
	})
	if minLevel, ok := f.levels[realm]; ok && record.Level < minLevel {
		return nil
	}
	return f.handler.Handle(ctx, record)
}

// ParseRealmLevels parses filters of the form realm=level, e.g. "binary=warn".
func ParseRealmLevels(raw ...string) (map[string]slog.Level, error) {
	levels := make(map[string]slog.Level, len(raw))
	for _, filter := range raw {
		realm, levelStr, found := strings.Cut(filter, "=")
		if !found || realm == "" {
			return nil, fmt.Errorf("invalid log filter %q, expected realm=level", filter)
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(levelStr)); err != nil {
			return nil, fmt.Errorf("invalid log level in filter %q: %w", filter, err)
		}
		levels[realm] = level
	}
	return levels, nil
}
