// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const RedactedStr = "<redacted>"

// RedactString replaces any non-empty secret with the redaction marker.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return RedactedStr
}

// IsRedactedString reports whether s is the redaction marker.
func IsRedactedString(s string) bool {
	return s == RedactedStr
}
