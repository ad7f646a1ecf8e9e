// Package pathname converts between filesystem paths and collection entry
// names. The same validation runs in both directions, so a name rejected on
// import is also rejected on export and a malicious collection cannot climb
// out of the output directory.
package pathname

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ComponentError reports a path component that is not allowed in a
// collection entry name.
type ComponentError struct {
	Component string
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("invalid path component %q", e.Component)
}

// ValidateComponent rejects separators, traversal segments and empty
// components. Valid components are kept as-is.
func ValidateComponent(c string) error {
	if c == "" || c == "." || c == ".." {
		return &ComponentError{Component: c}
	}
	if strings.ContainsAny(c, `/\`) {
		return &ComponentError{Component: c}
	}
	return nil
}

// ToName turns a filesystem path into a forward-slash-joined entry name.
// When mustBeRelative is set an absolute path is rejected; otherwise a
// single leading slash is recorded. Duplicate separators collapse, every
// other non-normal component fails with ComponentError.
func ToName(path string, mustBeRelative bool) (string, error) {
	p := filepath.ToSlash(path)
	var b strings.Builder
	if strings.HasPrefix(p, "/") {
		if mustBeRelative {
			return "", &ComponentError{Component: "/"}
		}
		b.WriteString("/")
		p = strings.TrimLeft(p, "/")
	}
	var parts []string
	for _, c := range strings.Split(p, "/") {
		if c == "" {
			continue
		}
		if err := ValidateComponent(c); err != nil {
			return "", err
		}
		parts = append(parts, c)
	}
	if len(parts) == 0 {
		return "", &ComponentError{Component: path}
	}
	b.WriteString(strings.Join(parts, "/"))
	return b.String(), nil
}

// ExportPath maps an entry name back to a filesystem path under rootDir,
// validating every component on the way.
func ExportPath(rootDir, name string) (string, error) {
	parts := strings.Split(name, "/")
	for _, c := range parts {
		if err := ValidateComponent(c); err != nil {
			return "", err
		}
	}
	return filepath.Join(append([]string{rootDir}, parts...)...), nil
}
