package extract

import (
	"bytes"
	"unicode/utf8"
)

// extractPlain passes .txt/.md report bytes through as a string. Exports
// from older hospital systems occasionally arrive in a legacy encoding;
// invalid sequences are replaced rather than rejected so the rest of the
// report stays usable.
func extractPlain(content []byte) (string, error) {
	if !utf8.Valid(content) {
		content = bytes.ToValidUTF8(content, []byte("�"))
	}
	return string(content), nil
}
