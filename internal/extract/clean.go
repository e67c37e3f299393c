package extract

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Scanned and exported clinical documents arrive with inconsistent
// encodings, OCR artifacts, and shorthand. CleanMedicalText normalizes
// them before embedding so that retrieval is not defeated by formatting
// noise.

var (
	nonASCII     = regexp.MustCompile(`[^\x20-\x7E\n\t]`)
	runSpaces    = regexp.MustCompile(`[ \t]+`)
	runNewlines  = regexp.MustCompile(`\n{3,}`)
	labelValue   = regexp.MustCompile(`([A-Za-z][A-Za-z0-9 %/()-]{3,})\n([0-9].{0,12})`)
	digitODigit  = regexp.MustCompile(`(\d)O(\d)`)
	oBeforeDigit = regexp.MustCompile(`O(\d)`)
	digitBeforeO = regexp.MustCompile(`(\d)O`)
)

var unitFixes = []struct {
	re   *regexp.Regexp
	unit string
}{
	{regexp.MustCompile(`(?i)mg\s*/\s*dl`), "mg/dL"},
	{regexp.MustCompile(`(?i)mmol\s*/\s*l`), "mmol/L"},
	{regexp.MustCompile(`(?i)iu\s*/\s*l`), "IU/L"},
	{regexp.MustCompile(`(?i)g\s*/\s*dl`), "g/dL"},
}

var abbrevFixes = []struct {
	re       *regexp.Regexp
	expanded string
}{
	{regexp.MustCompile(`\bBP\b`), "Blood Pressure"},
	{regexp.MustCompile(`\bHR\b`), "Heart Rate"},
	{regexp.MustCompile(`\bRR\b`), "Respiratory Rate"},
	{regexp.MustCompile(`\bTemp\b`), "Temperature"},
	{regexp.MustCompile(`\bDx\b`), "Diagnosis"},
	{regexp.MustCompile(`\bRx\b`), "Prescription"},
	{regexp.MustCompile(`\bHx\b`), "History"},
	{regexp.MustCompile(`\bTx\b`), "Treatment"},
}

// CleanMedicalText normalizes extracted clinical text for indexing:
// Unicode compatibility normalization, bullet and whitespace cleanup,
// reuniting lab labels with values split across lines, canonical unit
// spellings, common O/0 OCR confusions, vital-sign abbreviation
// expansion, and duplicate line removal.
func CleanMedicalText(text string) string {
	if text == "" {
		return ""
	}

	text = norm.NFKC.String(text)

	text = strings.ReplaceAll(text, "•", "- ")
	text = strings.ReplaceAll(text, "", "- ")

	text = nonASCII.ReplaceAllString(text, "")
	text = runSpaces.ReplaceAllString(text, " ")
	text = runNewlines.ReplaceAllString(text, "\n\n")

	// "Hemoglobin\n13.5 g/dL" becomes "Hemoglobin: 13.5 g/dL"
	text = labelValue.ReplaceAllString(text, "$1: $2")

	for _, f := range unitFixes {
		text = f.re.ReplaceAllString(text, f.unit)
	}

	text = digitODigit.ReplaceAllString(text, "$1 0 $2")
	text = oBeforeDigit.ReplaceAllString(text, "0$1")
	text = digitBeforeO.ReplaceAllString(text, "${1}0")

	for _, f := range abbrevFixes {
		text = f.re.ReplaceAllString(text, f.expanded)
	}

	text = dedupeLines(text)

	return strings.TrimSpace(text)
}

// dedupeLines drops repeated lines, keeping the first occurrence.
// Headers and footers stamped on every page of a scanned report would
// otherwise dominate the chunks.
func dedupeLines(text string) string {
	lines := strings.Split(text, "\n")
	seen := make(map[string]struct{}, len(lines))
	kept := lines[:0]
	for _, line := range lines {
		key := strings.TrimSpace(line)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
