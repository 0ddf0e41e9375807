package util

import (
	"strconv"
	"strings"
	"unicode"
)

// Slugify lowercases value and collapses every run of non-alphanumerics into one dash.
func Slugify(value string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if len(slug) > 48 {
		slug = strings.TrimSuffix(slug[:48], "-")
	}
	if slug == "" {
		return "workspace"
	}
	return slug
}

// UniqueSlug appends -2, -3, ... to base until taken reports false.
func UniqueSlug(base string, taken func(string) (bool, error)) (string, error) {
	candidate := base
	for n := 2; ; n++ {
		exists, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = base + "-" + strconv.Itoa(n)
	}
}
