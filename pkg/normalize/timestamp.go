package normalize

import (
	"encoding/json"
	"time"
)

// Accepted string layouts, most common first. Upstream producers are
// inconsistent: the canonical format is an epoch-millisecond integer, string
// timestamps are a compatibility shim.
var stringLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// eventTime derives the canonical event timestamp from a payload. It accepts
// an epoch-millisecond number or an ISO-8601 string under event_ts (aliases:
// event_time, timestamp). A payload with neither fails normalization.
func eventTime(p map[string]any) (time.Time, error) {
	for _, key := range []string{"event_ts", "event_time", "timestamp"} {
		v, ok := p[key]
		if !ok {
			continue
		}
		switch ts := v.(type) {
		case float64: // JSON numbers decode to float64
			return fromEpochMillis(int64(ts)), nil
		case int64:
			return fromEpochMillis(ts), nil
		case int:
			return fromEpochMillis(int64(ts)), nil
		case json.Number:
			if n, err := ts.Int64(); err == nil {
				return fromEpochMillis(n), nil
			}
		case string:
			for _, layout := range stringLayouts {
				if t, err := time.Parse(layout, ts); err == nil {
					return t.UTC(), nil
				}
			}
			return time.Time{}, skip(ReasonMissingTimestamp, "unparseable timestamp %q", ts)
		case time.Time:
			return ts.UTC(), nil
		}
	}
	return time.Time{}, skip(ReasonMissingTimestamp, "payload carries no event timestamp")
}

func fromEpochMillis(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}
