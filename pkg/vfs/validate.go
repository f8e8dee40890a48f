package vfs

import "strings"

// maxNameBytes is spec §3's 255-byte name ceiling.
const maxNameBytes = 255

// forbiddenNameChars lists the characters spec §3 excludes from node
// names (filesystem separators and the Windows-reserved set, since a
// printer's SD card is frequently a FAT volume shared with Windows
// slicers).
const forbiddenNameChars = "/\\:*?\"<>|\x00"

// ValidName reports whether name satisfies spec §3's node-name invariant:
// non-empty, at most 255 bytes, containing none of the forbidden
// characters. A leading '.' is legal but marks the node hidden.
func ValidName(name string) bool {
	if name == "" || len(name) > maxNameBytes {
		return false
	}
	return !strings.ContainsAny(name, forbiddenNameChars)
}

// gcodeExtensions is the file-extension filter spec §4.3 names for
// g-code emission.
var gcodeExtensions = map[string]bool{
	".gcode": true,
	".gc":    true,
	".g":     true,
	".gco":   true,
}

// IsGcode reports whether name carries a recognised g-code extension.
func IsGcode(name string) bool {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return false
	}
	return gcodeExtensions[strings.ToLower(name[idx:])]
}
