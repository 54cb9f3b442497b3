package ordertracker

import (
	"strconv"
	"strings"

	"github.com/nexusquant/perpx/pkg/types"
)

// ExtractStatus pulls a status string out of a raw venue payload, trying
// each field name in order and returning the first non-empty hit.
func ExtractStatus(data map[string]any, fields ...string) string {
	for _, f := range fields {
		if v, ok := data[f]; ok {
			if s := toString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// ExtractQuantity pulls a scaled integer quantity out of a raw venue
// payload, tolerating string/float wire encodings the way the connector's
// duck-typed field probing did.
func ExtractQuantity(data map[string]any, fields ...string) *int64 {
	for _, f := range fields {
		v, ok := data[f]
		if !ok || v == nil {
			continue
		}
		if f64, ok := toFloat(v); ok {
			i := int64(f64)
			return &i
		}
	}
	return nil
}

// ExtractTimestamp pulls a timestamp out of a raw venue payload and
// normalizes it to float unix-seconds, converting millisecond epoch values
// (anything above 1e12, which no real unix-seconds value reaches) down to
// seconds.
func ExtractTimestamp(data map[string]any, fields ...string) *float64 {
	for _, f := range fields {
		v, ok := data[f]
		if !ok || v == nil {
			continue
		}
		ts, ok := toFloat(v)
		if !ok {
			continue
		}
		if ts > 1e12 {
			ts = ts / 1000.0
		}
		return &ts
	}
	return nil
}

// ExtractWSSeq pulls a websocket sequence number out of a raw venue payload.
func ExtractWSSeq(data map[string]any, fields ...string) *int64 {
	for _, f := range fields {
		v, ok := data[f]
		if !ok || v == nil {
			continue
		}
		if f64, ok := toFloat(v); ok {
			i := int64(f64)
			return &i
		}
	}
	return nil
}

// FromRaw builds an Event from a raw venue payload, applying the same
// status/quantity/timestamp field-name fallbacks across both REST and
// websocket sources. statusFields, if given, replaces the default status
// field names ("status", "X", "state") tried in order.
func FromRaw(data map[string]any, source string, statusFields ...string) Event {
	if len(statusFields) == 0 {
		statusFields = []string{"status", "X", "state"}
	}
	status := ExtractStatus(data, statusFields...)
	state := types.NormalizeStatus(status)

	ev := Event{
		State:          state,
		FilledBaseI:    ExtractQuantity(data, "filled_base_i", "filledQuantity", "z", "filled_qty"),
		RemainingBaseI: ExtractQuantity(data, "remaining_base_i", "remainingQuantity", "l", "remaining_qty"),
		EngineTS:       ExtractTimestamp(data, "engine_ts", "timestamp", "E", "T", "transactTime"),
		Info:           data,
		Source:         source,
	}
	if state == types.StateCancelled {
		ev.CancelAckTS = ExtractTimestamp(data, "cancel_ack_ts", "cancelTime", "timestamp")
	}
	if source == "ws" {
		ev.WSSeq = ExtractWSSeq(data, "ws_seq", "seq", "sequence")
	}
	return ev
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	default:
		return ""
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
