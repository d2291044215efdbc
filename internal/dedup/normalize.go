// Package dedup collapses duplicate events and venues with one
// normalize, group, pick-canonical algorithm.
package dedup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	quoteReplacer    = strings.NewReplacer(`"`, "", "'", "", "“", "", "”", "", "‘", "", "’", "", "`", "")
	trailingParen    = regexp.MustCompile(`\s*\([^()]*\)\s*$`)
	locationClause   = regexp.MustCompile(`^(.+)\s+(?:at|in|@)\s+\S.*$`)
	timePattern      = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(a\.?\s?m\.?|p\.?\s?m\.?)?$`)
	nonAlphaNumSpace = func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}
)

// NormalizeTitle lowercases a title and strips quotes, trailing
// parentheticals, a trailing "at/in/@ <location>" clause and punctuation.
func NormalizeTitle(title string) string {
	s := strings.ToLower(title)
	s = quoteReplacer.Replace(s)
	for {
		stripped := trailingParen.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = strings.TrimSpace(s)
	if m := locationClause.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.Map(nonAlphaNumSpace, s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeAddress keeps the street number and the first two words of the
// street name, dropping unit, suite and city noise.
func NormalizeAddress(address string) string {
	s := strings.ToLower(address)
	if i := strings.Index(s, ","); i >= 0 {
		s = s[:i]
	}
	words := strings.Fields(strings.Map(nonAlphaNumSpace, s))
	if len(words) == 0 {
		return ""
	}
	n := 2
	if startsWithDigit(words[0]) {
		n = 3
	}
	if len(words) < n {
		n = len(words)
	}
	return strings.Join(words[:n], " ")
}

// NormalizeTime parses "7pm", "7:30 PM", "7:30 p.m." or "19:30" into a
// zero-padded HHMM string. Anything else is returned lowercased.
func NormalizeTime(value string) string {
	s := strings.ToLower(strings.TrimSpace(value))
	m := timePattern.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return s
	}
	meridiem := strings.NewReplacer(".", "", " ", "").Replace(m[3])
	switch meridiem {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return s
		}
		if hour == 12 {
			hour = 0
		}
		if meridiem == "pm" {
			hour += 12
		}
	default:
		if m[2] == "" || hour > 23 {
			return s
		}
	}
	return fmt.Sprintf("%02d%02d", hour, minute)
}

// VenueKey is the venue grouping key: lower(trim(name)) | city.
func VenueKey(name, city string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + city
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}
