package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decode turns a structural JSON value into a Plan. It accepts both the
// canonical shape {"days": {...}} and a bare day map at the top level, and
// tolerates mixed-case day keys.
func Decode(raw json.RawMessage) (*Plan, error) {
	var wrapped struct {
		Days map[string]json.RawMessage `json:"days"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	dayValues := wrapped.Days
	if len(dayValues) == 0 {
		// Some models emit the day map at the top level without a wrapper.
		var bare map[string]json.RawMessage
		if err := json.Unmarshal(raw, &bare); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		dayValues = bare
	}

	p := &Plan{Days: make(map[string]*DayPlan, len(DayKeys))}
	for key, value := range dayValues {
		normalized := strings.ToLower(strings.TrimSpace(key))
		if !isDayKey(normalized) {
			continue
		}
		var day DayPlan
		if err := json.Unmarshal(value, &day); err != nil {
			return nil, fmt.Errorf("decode day %q: %w", normalized, err)
		}
		p.Days[normalized] = &day
	}

	if len(p.Days) == 0 {
		return nil, fmt.Errorf("decode plan: no recognizable day keys")
	}

	return p, nil
}

func isDayKey(key string) bool {
	for _, k := range DayKeys {
		if k == key {
			return true
		}
	}
	return false
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
