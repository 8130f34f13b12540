package layout

import "strings"

var illegalNameChars = []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}

// SanitizeName strips characters that are illegal in file names and
// directory traversal sequences. The result is always a single path element,
// possibly empty.
func SanitizeName(name string) string {
	// Control characters go first so removing them cannot join dots.
	result := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	for _, c := range illegalNameChars {
		result = strings.ReplaceAll(result, c, "")
	}
	for strings.Contains(result, "..") {
		result = strings.ReplaceAll(result, "..", "")
	}
	return strings.TrimSpace(result)
}

// ProjectName returns the sanitized project name, defaulting to "keyboard".
func ProjectName(name string) string {
	if s := SanitizeName(name); s != "" && s != "." && !strings.Contains(s, "..") {
		return s
	}
	return DefaultProjectName
}
