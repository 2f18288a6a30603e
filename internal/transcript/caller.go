package transcript

import (
	"slices"
	"strings"
	"unicode"
)

// namePrefixes are the phrasings callers typically use to introduce
// themselves after the greeting asks for their name. Longer prefixes come
// first so "my name is" wins over "i'm".
var namePrefixes = []string{
	"my name is ",
	"my name's ",
	"the name is ",
	"this is ",
	"it's ",
	"it is ",
	"i'm ",
	"i am ",
	"call me ",
}

// notNames filters words that follow the prefixes above but are clearly not
// a name ("I'm calling about…", "this is urgent").
var notNames = map[string]bool{
	"a": true, "an": true, "the": true, "calling": true, "looking": true,
	"just": true, "here": true, "not": true, "fine": true, "good": true,
	"okay": true, "ok": true, "trying": true, "wondering": true, "urgent": true,
	"about": true, "interested": true, "sorry": true, "so": true, "very": true,
}

// GuessCallerName extracts a probable first name from a caller utterance
// such as "Hi, my name is Dana." It returns "" when nothing name-like follows
// a self-introduction. The result is title-cased.
func GuessCallerName(utterance string) string {
	runes := []rune(utterance)
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}
	for _, p := range namePrefixes {
		idx := runeIndex(lower, []rune(p))
		if idx < 0 {
			continue
		}
		rest := string(runes[idx+len([]rune(p)):])
		word := firstWord(rest)
		if word == "" || notNames[strings.ToLower(word)] {
			continue
		}
		return titleCase(word)
	}

	// A bare one- or two-word answer ("Dana." / "Dana Smith") to the
	// greeting's question is most likely the name itself.
	fields := strings.FieldsFunc(utterance, func(r rune) bool {
		return unicode.IsSpace(r) || r == '.' || r == ',' || r == '!'
	})
	if len(fields) == 1 || len(fields) == 2 {
		w := fields[0]
		if isNameWord(w) && !notNames[strings.ToLower(w)] && unicode.IsUpper([]rune(w)[0]) {
			return titleCase(w)
		}
	}
	return ""
}

// runeIndex returns the rune offset of the first occurrence of sub in s, or
// -1. Offsets index the original utterance because lowering is done per rune.
func runeIndex(s, sub []rune) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if slices.Equal(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func firstWord(s string) string {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	end := strings.IndexFunc(s, func(r rune) bool { return !isNameRune(r) })
	if end < 0 {
		end = len(s)
	}
	w := s[:end]
	if !isNameWord(w) {
		return ""
	}
	return w
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || r == '-' || r == '\''
}

func isNameWord(w string) bool {
	if len([]rune(w)) < 2 {
		return false
	}
	for _, r := range w {
		if !isNameRune(r) {
			return false
		}
	}
	return true
}

func titleCase(w string) string {
	r := []rune(strings.ToLower(w))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
