package perso

import "strings"

// emoji-ish rune ranges the synthesizer cannot render. Covers the common
// pictographic blocks plus the joiners and selectors that glue them
// together.
var emojiRanges = [][2]rune{
	{0x1F000, 0x1FAFF}, // mahjong through symbols & pictographs extended-A
	{0x2600, 0x27BF},   // misc symbols and dingbats
	{0x2B00, 0x2BFF},   // arrows and stars used as emoji
	{0x2190, 0x21FF},   // arrows with emoji presentation
	{0x2300, 0x23FF},   // misc technical (watch, hourglass, media keys)
	{0x25A0, 0x25FF},   // geometric shapes
	{0x2900, 0x297F},   // supplemental arrows
	{0xFE00, 0xFE0F},   // variation selectors
	{0x1F1E6, 0x1F1FF}, // regional indicators (flags)
	{0xE0020, 0xE007F}, // tag characters (subdivision flags)
}

func isEmojiRune(r rune) bool {
	if r == 0x200D || r == 0x20E3 { // zero width joiner, combining keycap
		return true
	}
	for _, rng := range emojiRanges {
		if r >= rng[0] && r <= rng[1] {
			return true
		}
	}
	return false
}

// removeEmoji strips emoji characters that text-to-face synthesis may not
// pronounce or render correctly.
func removeEmoji(s string) string {
	if !strings.ContainsFunc(s, isEmojiRune) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmojiRune(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
