package build

import "strings"

const (
	isoDirectoryIdentifierMaxLength = 31
	isoFileIdentifierMaxLength      = 30
)

// isoDCharacters are the characters kdomanski/iso9660 keeps when it mangles names.
const isoDCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// isoNameMatches reports whether an identifier read from the medium refers to
// want. Rock Ridge names compare case-insensitively; plain ISO9660 names are
// compared against the mangled forms writers produce.
func isoNameMatches(identifier, want string, dir bool) bool {
	got := normalizeISOIdentifier(identifier)
	want = strings.ToLower(want)
	if got == want {
		return true
	}
	for _, candidate := range isoNameCandidates(want, dir) {
		if got == candidate {
			return true
		}
	}
	return false
}

func isoNameCandidates(want string, dir bool) []string {
	if dir {
		return []string{
			isoMangleDString(want, isoDirectoryIdentifierMaxLength, isoDCharacters),
			isoMangleDString(want, isoDirectoryIdentifierMaxLength, isoStrictCharacters),
		}
	}
	return []string{
		strings.TrimSuffix(isoMangleFileName(want, isoDCharacters), "."),
		strings.TrimSuffix(isoMangleFileName(want, isoStrictCharacters), "."),
	}
}

// isoStrictCharacters is the level 1 d-character set, lowercased.
const isoStrictCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_"

// normalizeISOIdentifier drops the ";1" version and the trailing dot of
// extensionless names.
func normalizeISOIdentifier(identifier string) string {
	name := strings.ToLower(identifier)
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSuffix(name, ".")
}

func isoSplitPath(p string) []string {
	raw := strings.Split(p, "/")
	out := make([]string, 0, len(raw))
	for _, segment := range raw {
		if segment == "" || segment == "." {
			continue
		}
		out = append(out, segment)
	}
	return out
}

func isoMangleFileName(input, allowed string) string {
	input = strings.ToLower(input)
	parts := strings.Split(input, ".")

	filename := parts[0]
	extension := ""
	if len(parts) > 1 {
		filename = strings.Join(parts[:len(parts)-1], "_")
		extension = parts[len(parts)-1]
	}

	extension = isoMangleDString(extension, 8, allowed)

	// Room for ";1" is reserved even though callers compare without it.
	maxFilenameLen := isoFileIdentifierMaxLength - 2
	if extension != "" {
		maxFilenameLen -= 1 + len(extension)
	}
	filename = isoMangleDString(filename, maxFilenameLen, allowed)

	if extension != "" {
		return filename + "." + extension
	}
	return filename
}

func isoMangleDString(input string, maxLen int, allowed string) string {
	input = strings.ToLower(input)
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		c := rune(input[i])
		if strings.ContainsRune(allowed, c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
