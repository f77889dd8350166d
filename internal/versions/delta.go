package versions

import (
	"encoding/binary"
	"fmt"
)

// Delta format:
//
//	'D' | uvarint len(base) | uvarint prefix | uvarint suffix | literal middle
//
// The target is base[:prefix] + middle + base[len(base)-suffix:].
const deltaMagic = 'D'

// EncodeDelta returns a delta that turns base into target
func EncodeDelta(base, target []byte) []byte {
	limit := len(base)
	if len(target) < limit {
		limit = len(target)
	}

	prefix := 0
	for prefix < limit && base[prefix] == target[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < limit-prefix && base[len(base)-1-suffix] == target[len(target)-1-suffix] {
		suffix++
	}

	middle := target[prefix : len(target)-suffix]

	out := make([]byte, 0, 1+3*binary.MaxVarintLen64+len(middle))
	out = append(out, deltaMagic)
	out = binary.AppendUvarint(out, uint64(len(base)))
	out = binary.AppendUvarint(out, uint64(prefix))
	out = binary.AppendUvarint(out, uint64(suffix))
	return append(out, middle...)
}

// ApplyDelta reconstructs the target from base and a delta produced by EncodeDelta
func ApplyDelta(base, delta []byte) ([]byte, error) {
	if len(delta) == 0 || delta[0] != deltaMagic {
		return nil, fmt.Errorf("not a delta")
	}
	rest := delta[1:]

	var fields [3]uint64
	for i := range fields {
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("truncated delta header")
		}
		fields[i] = v
		rest = rest[n:]
	}

	baseLen, prefix, suffix := fields[0], fields[1], fields[2]
	if baseLen != uint64(len(base)) {
		return nil, fmt.Errorf("delta expects base of %d bytes, got %d", baseLen, len(base))
	}
	if prefix+suffix > baseLen {
		return nil, fmt.Errorf("delta prefix %d and suffix %d exceed base length %d", prefix, suffix, baseLen)
	}

	out := make([]byte, 0, int(prefix)+len(rest)+int(suffix))
	out = append(out, base[:prefix]...)
	out = append(out, rest...)
	out = append(out, base[baseLen-suffix:]...)
	return out, nil
}
