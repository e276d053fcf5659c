package connuri

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SettingsScheme prefixes an indirect URI that resolves against the
// engine settings JSON rather than naming a resource itself:
//
//	sz://core-settings/SQL/CONNECTION
//
// Path segments walk a JSON object tree; a numeric segment indexes into
// an array.
const SettingsScheme = "sz://core-settings/"

// IsSettingsURI reports whether text is an sz://core-settings indirection.
func IsSettingsURI(text string) bool {
	return strings.HasPrefix(text, SettingsScheme)
}

// ResolveSettings walks the settings JSON along the indirect URI's path
// and returns the string value found at the end of it.
func ResolveSettings(settings []byte, text string) (string, error) {
	if !IsSettingsURI(text) {
		return "", fmt.Errorf("%w: not a core-settings URI: %q", ErrIllegalArgument, text)
	}
	path := strings.Trim(text[len(SettingsScheme):], "/")
	if path == "" {
		return "", fmt.Errorf("%w: core-settings URI has an empty path: %q", ErrIllegalArgument, text)
	}

	var node any
	if err := json.Unmarshal(settings, &node); err != nil {
		return "", fmt.Errorf("%w: core settings are not valid JSON: %v", ErrIllegalArgument, err)
	}

	for _, seg := range strings.Split(path, "/") {
		switch n := node.(type) {
		case map[string]any:
			child, ok := n[seg]
			if !ok {
				return "", fmt.Errorf("%w: settings path %q: no key %q", ErrIllegalArgument, path, seg)
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(n) {
				return "", fmt.Errorf("%w: settings path %q: bad array index %q", ErrIllegalArgument, path, seg)
			}
			node = n[idx]
		default:
			return "", fmt.Errorf("%w: settings path %q: %q is not an object or array", ErrIllegalArgument, path, seg)
		}
	}

	s, ok := node.(string)
	if !ok {
		return "", fmt.Errorf("%w: settings path %q does not name a string", ErrIllegalArgument, path)
	}
	return s, nil
}
