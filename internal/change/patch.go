package change

import "github.com/estuarydb/estuary/internal/record"

// Patch is a structural merge patch over a record's fields, in the spirit of
// RFC 7396: nested maps merge recursively, nil removes a key, and any other
// value replaces what was there. Mutate handlers compute a Patch against the
// current value; the patch itself is what gets buffered and replicated, so
// applying it is deterministic on every node that receives it.
type Patch map[string]any

// ApplyPatch merges a patch into fields and returns the result. The input
// map is not modified.
func ApplyPatch(fields record.Fields, p Patch) record.Fields {
	out := record.CloneFields(fields)
	if out == nil {
		out = record.Fields{}
	}
	for k, v := range p {
		if v == nil {
			delete(out, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := out[k].(map[string]any); ok {
				out[k] = ApplyPatch(cur, Patch(sub))
				continue
			}
			// Target is not a map: replace wholesale, stripping nil markers.
			out[k] = ApplyPatch(nil, Patch(sub))
			continue
		}
		out[k] = v
	}
	return out
}

// Diff computes the minimal patch that turns prev into next at the top
// level, with nested maps diffed recursively. Keys present in prev but not
// next map to nil (removal). Useful for handlers that compute next state
// directly and want to buffer a mutate change.
func Diff(prev, next record.Fields) Patch {
	p := Patch{}
	for k, nv := range next {
		pv, had := prev[k]
		if !had {
			p[k] = nv
			continue
		}
		pm, pok := pv.(map[string]any)
		nm, nok := nv.(map[string]any)
		if pok && nok {
			sub := Diff(pm, nm)
			if len(sub) > 0 {
				p[k] = map[string]any(sub)
			}
			continue
		}
		if !equalValue(pv, nv) {
			p[k] = nv
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			p[k] = nil
		}
	}
	return p
}

func equalValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, ok := bv[k]
			if !ok || !equalValue(v, bval) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
