package envelope

// RefKey is the single key of a buffer reference object.
const RefKey = "$buffer"

// BufferRef returns the parameter value that points at the named buffer.
func BufferRef(name string) map[string]any {
	return map[string]any{RefKey: name}
}

// RefName reports whether v is a buffer reference and returns its name.
func RefName(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	name, ok := m[RefKey].(string)
	return name, ok
}

func collectRefs(v any, into map[string]bool) {
	if name, ok := RefName(v); ok {
		into[name] = true
		return
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			collectRefs(child, into)
		}
	case []any:
		for _, child := range t {
			collectRefs(child, into)
		}
	}
}

func cloneParams(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = cloneValue(child)
		}
		return out
	case []byte:
		return cloneBytes(t)
	case []string:
		return append([]string(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	default:
		return v
	}
}
