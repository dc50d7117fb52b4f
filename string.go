package calling

// StringSet represents a mathematical set of strings.
type StringSet map[string]struct{}

// NewStringSet returns a new string set from the given series of values
// where duplicates are okay.
func NewStringSet(values ...string) StringSet {
	set := make(StringSet, len(values))
	for _, val := range values {
		set[val] = struct{}{}
	}
	return set
}

// Add inserts the given value into the set.
func (ss StringSet) Add(value string) {
	ss[value] = struct{}{}
}

// Remove deletes the given value from the set.
func (ss StringSet) Remove(value string) {
	delete(ss, value)
}

// Contains reports whether the given value is in the set.
func (ss StringSet) Contains(value string) bool {
	_, ok := ss[value]
	return ok
}

// ToList returns the set as a slice in no particular order.
func (ss StringSet) ToList() []string {
	out := make([]string, 0, len(ss))
	for val := range ss {
		out = append(out, val)
	}
	return out
}
