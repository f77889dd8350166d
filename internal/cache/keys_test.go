package cache

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trajcache/trajcache/pkg/errors"
)

type launch struct {
	Angle    float64   `json:"angle"`
	Velocity float64   `json:"velocity"`
	Wind     []float64 `json:"wind"`
	Model    string    `json:"model"`
}

func TestKeyDeriverFormat(t *testing.T) {
	d := NewKeyDeriver("traj", 6)
	key, err := d.Derive(launch{Angle: 45, Velocity: 300, Model: "g7"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^traj:[0-9a-f]{16}$`), key)
}

func TestKeyDeriverQuantizes(t *testing.T) {
	d := NewKeyDeriver("traj", 3)

	tests := []struct {
		name string
		a, b interface{}
		same bool
	}{
		{"below precision", launch{Angle: 45.0001}, launch{Angle: 45.0004}, true},
		{"above precision", launch{Angle: 45.001}, launch{Angle: 45.002}, false},
		{"nested slices", launch{Wind: []float64{1.00001, 2}}, launch{Wind: []float64{1, 2.00002}}, true},
		{"negative zero", map[string]float64{"x": -0.0001}, map[string]float64{"x": 0}, true},
		{"map order", map[string]int{"a": 1, "b": 2}, map[string]int{"b": 2, "a": 1}, true},
		{"strings differ", launch{Model: "g1"}, launch{Model: "g7"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, err := d.Derive(tt.a)
			require.NoError(t, err)
			kb, err := d.Derive(tt.b)
			require.NoError(t, err)
			if tt.same {
				assert.Equal(t, ka, kb)
			} else {
				assert.NotEqual(t, ka, kb)
			}
		})
	}
}

func TestKeyDeriverPrefix(t *testing.T) {
	a, err := NewKeyDeriver("a", 6).Derive(1.5)
	require.NoError(t, err)
	b, err := NewKeyDeriver("b", 6).Derive(1.5)
	require.NoError(t, err)
	assert.Equal(t, a[2:], b[2:])
	assert.NotEqual(t, a, b)

	d, err := NewKeyDeriver("", 6).Derive(1.5)
	require.NoError(t, err)
	assert.Regexp(t, `^traj:`, d)
}

func TestKeyDeriverRejectsUnserializable(t *testing.T) {
	_, err := NewKeyDeriver("traj", 6).Derive(make(chan int))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}
