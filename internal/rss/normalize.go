package rss

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	cdataBlock    = regexp.MustCompile(`(?s)<!?\[CDATA\[(.*?)\]\]>`)
	cdataResidual = regexp.MustCompile(`<?!?\[CDATA\[|\]\]>?`)
	decimalRef    = regexp.MustCompile(`&#([0-9]+);`)
	hexRef        = regexp.MustCompile(`(?i)&#x([0-9a-f]+);`)
	numericRef    = regexp.MustCompile(`(?i)&#(x[0-9a-f]+|[0-9]+);`)
)

var namedEntities = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&nbsp;", "\u00a0",
	"&ndash;", "–",
	"&mdash;", "—",
	"&lsquo;", "‘",
	"&rsquo;", "’",
	"&sbquo;", "‚",
	"&ldquo;", "“",
	"&rdquo;", "”",
	"&bdquo;", "„",
)

// Normalize unwraps CDATA sections and decodes the HTML entities feeds
// commonly double-escape into their text fields. It is best effort: anything
// it cannot interpret is left as it was.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	s := cdataBlock.ReplaceAllString(raw, "$1")
	s = cdataResidual.ReplaceAllString(s, "")
	s = namedEntities.Replace(s)
	s = joinSurrogates(s)
	s = decimalRef.ReplaceAllStringFunc(s, func(ref string) string {
		return decodeRef(ref, decimalRef, 10)
	})
	s = hexRef.ReplaceAllStringFunc(s, func(ref string) string {
		return decodeRef(ref, hexRef, 16)
	})
	return s
}

func decodeRef(ref string, re *regexp.Regexp, base int) string {
	m := re.FindStringSubmatch(ref)
	if len(m) != 2 {
		return ref
	}
	code, err := strconv.ParseUint(m[1], base, 32)
	if err != nil {
		return ref
	}
	r := rune(code)
	if !utf8.ValidRune(r) {
		return ref
	}
	return string(r)
}

// joinSurrogates decodes adjacent references that form a UTF-16 surrogate
// pair, e.g. &#xD83D;&#xDE00;. Lone surrogates stay as written.
func joinSurrogates(s string) string {
	if !strings.Contains(s, "&#") {
		return s
	}
	matches := numericRef.FindAllStringSubmatchIndex(s, -1)
	var b strings.Builder
	last := 0
	for i := 0; i+1 < len(matches); i++ {
		m, n := matches[i], matches[i+1]
		if n[0] != m[1] {
			continue
		}
		r := utf16.DecodeRune(refValue(s[m[2]:m[3]]), refValue(s[n[2]:n[3]]))
		if r == utf8.RuneError {
			continue
		}
		b.WriteString(s[last:m[0]])
		b.WriteRune(r)
		last = n[1]
		i++
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

func refValue(digits string) rune {
	base := 10
	if digits[0] == 'x' || digits[0] == 'X' {
		digits, base = digits[1:], 16
	}
	v, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return utf8.RuneError
	}
	return rune(v)
}
