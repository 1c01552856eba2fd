package logger

import (
	"time"

	"go.uber.org/zap"
)

// Field helpers keep key names consistent across packages.

func Group(group string) zap.Field { return zap.String("group", group) }

func NodeID(id uint64) zap.Field { return zap.Uint64("node", id) }

func Term(term uint64) zap.Field { return zap.Uint64("term", term) }

func Index(index uint64) zap.Field { return zap.Uint64("index", index) }

func Topic(name string) zap.Field { return zap.String("topic", name) }

// DurationLiteral writes a duration as a string such as "1m30s" instead of
// the integer nanoseconds zap.Duration produces.
func DurationLiteral(key string, val time.Duration) zap.Field {
	return zap.String(key, val.String())
}
