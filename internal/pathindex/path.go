package pathindex

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the canonical form of a path: NFC normalized segments
// joined by "/", with empty segments dropped. "." and ".." segments are
// rejected. The empty string names the index itself.
func Normalize(path string) (string, error) {
	segs, err := Split(path)
	if err != nil {
		return "", err
	}
	return strings.Join(segs, "/"), nil
}

// Split returns the normalized segments of path.
func Split(path string) ([]string, error) {
	if strings.ContainsRune(path, 0) {
		return nil, fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, path)
	}
	raw := strings.Split(norm.NFC.String(path), "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		switch s {
		case "":
			continue
		case ".", "..":
			return nil, fmt.Errorf("%w: %q contains %q", ErrInvalidPath, path, s)
		}
		segs = append(segs, s)
	}
	return segs, nil
}

// Join concatenates normalized paths.
func Join(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

// Under reports whether path lies strictly inside dir. Every path is under
// the empty dir.
func Under(path, dir string) bool {
	if dir == "" {
		return path != ""
	}
	return strings.HasPrefix(path, dir+"/")
}

// Rel returns path relative to dir. path must be under dir.
func Rel(path, dir string) string {
	if dir == "" {
		return path
	}
	return strings.TrimPrefix(path, dir+"/")
}
