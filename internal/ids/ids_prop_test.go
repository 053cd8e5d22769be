package ids

import (
	"regexp"
	"testing"

	"pgregory.net/rapid"
)

var slugShape = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

func TestSlugify_AlwaysProducesWellFormedSlug(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		slug := Slugify(name)

		if !slugShape.MatchString(slug) {
			t.Fatalf("Slugify(%q) = %q: not a well-formed slug", name, slug)
		}
		// Fallback slugs ("item-" + 8 hex chars) are 13 characters, so
		// every slug fits the 20-character budget.
		if len(slug) > 20 {
			t.Fatalf("Slugify(%q) = %q: longer than 20 characters", name, slug)
		}
	})
}

func TestSlugify_IdempotentOnItsOwnOutput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z0-9 _./]{1,40}`).Draw(t, "name")
		slug := Slugify(name)
		if again := Slugify(slug); again != slug {
			t.Fatalf("Slugify not idempotent: %q -> %q -> %q", name, slug, again)
		}
	})
}
