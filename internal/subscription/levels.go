package subscription

import "encoding/json"

// Level is the verbosity of equipment updates. The zero value means "no
// level" and encodes as JSON null.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelStandard Level = "standard"
	LevelDetailed Level = "detailed"
)

type levelSpec struct {
	fields []string
	bytes  int
}

var levels = map[Level]levelSpec{
	LevelMinimal: {
		fields: []string{"id", "status", "alarm_state"},
		bytes:  64,
	},
	LevelStandard: {
		fields: []string{
			"id", "status", "alarm_state",
			"temperature", "pressure", "power", "updated_at",
		},
		bytes: 256,
	},
	LevelDetailed: {
		fields: []string{
			"id", "status", "alarm_state",
			"temperature", "pressure", "power", "updated_at",
			"vibration", "current", "voltage", "runtime_hours", "diagnostics", "trend",
		},
		bytes: 1024,
	},
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	_, ok := levels[l]
	return ok
}

// Fields returns the equipment fields authorized at l.
func (l Level) Fields() []string {
	return append([]string(nil), levels[l].fields...)
}

// BytesPerItem is the approximate size of one equipment update at l. It is
// only meant for bandwidth estimates.
func (l Level) BytesPerItem() int {
	return levels[l].bytes
}

func (l Level) MarshalJSON() ([]byte, error) {
	if l == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(l))
}
