package tts

import "regexp"

// Normalize strips formatting that reads badly when spoken aloud:
// markdown markers, emojis and runs of whitespace.
func Normalize(text string) string {
	text = markdownRegex.ReplaceAllString(text, "")
	text = emojiRegex.ReplaceAllString(text, "")
	text = multipleSpacesRegex.ReplaceAllString(text, " ")
	return trimWhitespaceRegex.ReplaceAllString(text, "")
}

var (
	markdownRegex       = regexp.MustCompile("(\\*\\*|__|~~|\\*|`|#+\\s)")
	emojiRegex          = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}]`)
	multipleSpacesRegex = regexp.MustCompile(`\s+`)
	trimWhitespaceRegex = regexp.MustCompile(`^\s+|\s+$`)
)
