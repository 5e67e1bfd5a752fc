package workspace

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const maxKeyLength = 128

var (
	keyPattern     = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	keyUnsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// ValidateKey rejects keys that cannot safely name a directory or object under
// the workspace root. The returned error wraps ErrInvalidKey.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	case len(key) > maxKeyLength:
		return fmt.Errorf("%w: key exceeds %d characters", ErrInvalidKey, maxKeyLength)
	case key == "." || key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: %q must not contain \"..\"", ErrInvalidKey, key)
	case strings.HasPrefix(key, "."):
		// Dot entries under the root are reserved for pool bookkeeping.
		return fmt.Errorf("%w: %q must not start with '.'", ErrInvalidKey, key)
	case !keyPattern.MatchString(key):
		return fmt.Errorf("%w: %q may only contain letters, digits, '.', '-' and '_'", ErrInvalidKey, key)
	}
	return nil
}

// GitHubKey builds the workspace key for a GitHub pull request or issue:
// gh-<owner>-<repo>-<number>. Characters outside the key alphabet become '-'.
func GitHubKey(owner, repo string, number int) (string, error) {
	owner = sanitizeKeyPart(owner)
	repo = sanitizeKeyPart(repo)
	if owner == "" || repo == "" {
		return "", fmt.Errorf("%w: github owner and repo are required", ErrInvalidKey)
	}
	if number <= 0 {
		return "", fmt.Errorf("%w: github number must be positive", ErrInvalidKey)
	}

	key := "gh-" + owner + "-" + repo + "-" + strconv.Itoa(number)
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func sanitizeKeyPart(s string) string {
	s = keyUnsafeChars.ReplaceAllString(strings.TrimSpace(s), "-")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	return strings.Trim(s, ".-")
}
