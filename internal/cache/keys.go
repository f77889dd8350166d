package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/trajcache/trajcache/pkg/errors"
)

// KeyDeriver turns computation inputs into cache keys. Inputs that differ only
// below the configured precision map to the same key.
type KeyDeriver struct {
	prefix    string
	precision int
	scale     float64
}

// NewKeyDeriver creates a key deriver rounding numbers to precision decimal places
func NewKeyDeriver(prefix string, precision int) *KeyDeriver {
	if prefix == "" {
		prefix = "traj"
	}
	if precision < 0 {
		precision = 0
	}
	return &KeyDeriver{
		prefix:    prefix,
		precision: precision,
		scale:     math.Pow10(precision),
	}
}

// Derive returns "<prefix>:<16 hex digits>" for input. The input must be JSON-encodable.
func (d *KeyDeriver) Derive(input interface{}) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", errors.NewError(errors.ErrCodeInvalidArgument, "input is not serializable").
			WithComponent("cache").
			WithOperation("derive_key").
			WithCause(err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return "", errors.NewError(errors.ErrCodeInvalidArgument, "input is not serializable").
			WithComponent("cache").
			WithOperation("derive_key").
			WithCause(err)
	}

	// encoding/json writes map keys sorted, so this is canonical
	canonical, err := json.Marshal(d.quantize(generic))
	if err != nil {
		return "", errors.NewError(errors.ErrCodeInvalidArgument, "input cannot be canonicalized").
			WithComponent("cache").
			WithOperation("derive_key").
			WithCause(err)
	}

	return fmt.Sprintf("%s:%016x", d.prefix, xxhash.Sum64(canonical)), nil
}

func (d *KeyDeriver) quantize(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		r := math.Round(f*d.scale) / d.scale
		if r == 0 {
			// collapse -0
			return float64(0)
		}
		return r
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = d.quantize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = d.quantize(val)
		}
		return out
	default:
		return v
	}
}
