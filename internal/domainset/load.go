package domainset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	customerrors "github.com/bavix/splitdns/internal/errors"
)

// ParseList returns the non-blank, whitespace-trimmed lines of data.
func ParseList(data string) []string {
	lines := strings.Split(data, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		if d := strings.TrimSpace(line); d != "" {
			out = append(out, d)
		}
	}

	return out
}

// Load reads a newline-delimited domain list and builds a trie from it.
// Relative paths are resolved against the working directory.
func Load(path string) (*Trie, error) {
	abs := path
	if !filepath.IsAbs(path) {
		var err error
		if abs, err = filepath.Abs(path); err != nil {
			return nil, fmt.Errorf("%w %s: %w", customerrors.ErrReferenceLoad, path, err)
		}
	}

	b, err := os.ReadFile(abs) //nolint:gosec // operator-supplied reference file
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", customerrors.ErrReferenceLoad, path, err)
	}

	return New(ParseList(string(b))...), nil
}
