package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClonePayloadDeepCopies(t *testing.T) {
	orig := Payload{
		"scalar": 1,
		"map":    map[string]any{"inner": []any{1, 2}},
		"slice":  []any{map[string]any{"k": "v"}},
	}
	c := clonePayload(orig)

	c["map"].(map[string]any)["inner"].([]any)[0] = 99
	c["slice"].([]any)[0].(map[string]any)["k"] = "mutated"

	assert.Equal(t, 1, orig["map"].(map[string]any)["inner"].([]any)[0])
	assert.Equal(t, "v", orig["slice"].([]any)[0].(map[string]any)["k"])
}

func TestNewMessageNilPayload(t *testing.T) {
	m := NewMessage("a", "b", "t", nil)
	assert.NotNil(t, m.Payload)
	assert.False(t, m.Timestamp.IsZero())
}

func TestMessageString(t *testing.T) {
	m := NewMessage("a", "b", "evt", Payload{"k": 1})
	s := m.String()
	assert.Contains(t, s, "from=a")
	assert.Contains(t, s, "type=evt")
}
