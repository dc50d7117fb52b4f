package calling

import (
	"testing"

	"go.viam.com/test"
)

func TestStringSet(t *testing.T) {
	ss := NewStringSet("foo")
	test.That(t, ss.Contains("foo"), test.ShouldBeTrue)

	// Adding a new value
	ss.Add("bar")
	test.That(t, ss.Contains("bar"), test.ShouldBeTrue)
	test.That(t, ss.Contains("foo"), test.ShouldBeTrue)

	// Removing a value
	ss.Remove("bar")
	test.That(t, ss.Contains("bar"), test.ShouldBeFalse)
	test.That(t, ss.Contains("foo"), test.ShouldBeTrue)

	// Removing a value that doesn't exist
	ss.Remove("no-op")
	test.That(t, ss.Contains("foo"), test.ShouldBeTrue)

	test.That(t, ss.ToList(), test.ShouldResemble, []string{"foo"})
}
