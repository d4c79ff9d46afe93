package record

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRepoSlug reports a repository slug that fails validation.
// A slug arriving through configuration or an API parameter indicates a
// caller bug and should surface immediately; a slug arriving inside a
// raw event is a per-record error and belongs in the dead-letter sink.
var ErrInvalidRepoSlug = errors.New("invalid repository slug")

// ValidateRepoSlug rejects path traversal (".."), absolute paths and
// any character outside [A-Za-z0-9-_/.]. Slugs double as partition
// directory names, so this is a safety boundary, not cosmetics.
func ValidateRepoSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRepoSlug)
	}
	if strings.Contains(slug, "..") {
		return fmt.Errorf("%w: %q contains '..'", ErrInvalidRepoSlug, slug)
	}
	if strings.HasPrefix(slug, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidRepoSlug, slug)
	}
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '/' || r == '.':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidRepoSlug, slug, r)
		}
	}
	return nil
}
