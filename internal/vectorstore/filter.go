package vectorstore

import "slices"

// Filter restricts a query before scoring. Empty fields do not restrict.
type Filter struct {
	// Documents keeps hits whose document name is any of these.
	Documents []string
	// Groups keeps hits whose group is any of these.
	Groups []string
}

// multiValued reports whether the filter needs evaluation beyond what an
// equality-only where clause can express.
func (f Filter) multiValued() bool {
	return len(f.Documents) > 1 || len(f.Groups) > 1
}

// where builds the equality conditions for scope plus every single-valued
// field of f.
func (f Filter) where(scope Scope) map[string]string {
	w := map[string]string{
		keyUser:    scope.User,
		keySession: scope.Session,
	}
	if len(f.Documents) == 1 {
		w[keyDocument] = f.Documents[0]
	}
	if len(f.Groups) == 1 {
		w[keyGroup] = f.Groups[0]
	}
	return w
}

// Matches reports whether m satisfies f.
func (f Filter) Matches(m Metadata) bool {
	if len(f.Documents) > 0 && !slices.Contains(f.Documents, m.Document) {
		return false
	}
	return len(f.Groups) == 0 || slices.Contains(f.Groups, m.Group)
}
