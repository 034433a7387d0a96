package rss

import (
	"strconv"
	"unicode/utf16"
)

// HashURL derives the short article identifier from its link: a 32-bit
// multiply-by-31 rolling hash over the UTF-16 code units, rendered as the
// base-36 absolute value. Distinct URLs can collide.
func HashURL(url string) string {
	var h int32
	for _, unit := range utf16.Encode([]rune(url)) {
		h = h*31 + int32(unit)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}
