package router

// Result is the outcome of a route lookup.
type Result int

const (
	// Matched means a route accepts the request.
	Matched Result = iota
	// NotFound means no pattern structurally matches the path.
	NotFound
	// MethodNotAllowed means a pattern matches the path but rejects the
	// method. The Match still carries the entry so callers can report the
	// allowed methods.
	MethodNotAllowed
)

// Match is a successful route resolution.
type Match struct {
	Entry *Entry
	// Params are the values captured by parameter segments, keyed by name.
	Params map[string]string
}

// Match resolves a request to at most one route. Resolution is structural
// first: the best pattern for the path is chosen by precedence (literal
// beats parameter at the first position where the candidates differ), and
// only then is the method checked. Lookups are read-only and safe for
// unlimited concurrent callers.
func (t *Table) Match(method, path string) (*Match, Result) {
	parts, ok := splitPath(path)
	if !ok {
		return nil, NotFound
	}

	// Entries are stored in precedence order, so the first structural
	// match is the route.
	for _, entry := range t.byLen[len(parts)] {
		params, ok := matchSegments(entry.Pattern.Segments, parts)
		if !ok {
			continue
		}
		if !entry.Allows(method) {
			return &Match{Entry: entry, Params: params}, MethodNotAllowed
		}
		return &Match{Entry: entry, Params: params}, Matched
	}
	return nil, NotFound
}

func matchSegments(segments []Segment, parts []string) (map[string]string, bool) {
	var params map[string]string
	for i, segment := range segments {
		if segment.IsParam() {
			if params == nil {
				params = map[string]string{}
			}
			params[segment.Param] = parts[i]
			continue
		}
		if segment.Literal != parts[i] {
			return nil, false
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, true
}
