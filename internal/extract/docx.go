package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// A .docx report is a zip whose main body lives at word/document.xml, unless
// [Content_Types].xml points elsewhere. Clinic templates routinely decorate
// paragraph tags with revision attributes, so text is collected from the
// <w:t> run nodes, which hold the literal characters regardless of how the
// paragraphs above them are marked up.
const (
	docxDefaultBodyPath = "word/document.xml"
	docxContentTypes    = "[Content_Types].xml"
	docxBodyContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
)

var docxRunText = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)

// The Override element's two attributes appear in either order.
var docxBodyOverride = []*regexp.Regexp{
	regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxBodyContentType) + `"`),
	regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxBodyContentType) + `"[^>]+PartName="([^"]+)"`),
}

func extractDOCX(content []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open DOCX report: not a zip: %w", err)
	}

	bodyPath := docxBodyPath(archive)
	body, err := readArchiveFile(archive, bodyPath)
	if err != nil {
		return "", fmt.Errorf("read DOCX body %s: %w", bodyPath, err)
	}

	runs := docxRunText.FindAllStringSubmatch(string(body), -1)
	words := make([]string, 0, len(runs))
	for _, run := range runs {
		words = append(words, strings.TrimSpace(run[1]))
	}
	return strings.TrimSpace(strings.Join(words, " ")), nil
}

// docxBodyPath resolves the main document part from [Content_Types].xml,
// falling back to the conventional location.
func docxBodyPath(archive *zip.Reader) string {
	types, err := readArchiveFile(archive, docxContentTypes)
	if err != nil {
		return docxDefaultBodyPath
	}
	for _, re := range docxBodyOverride {
		if m := re.FindSubmatch(types); len(m) > 1 {
			return strings.TrimPrefix(string(m[1]), "/")
		}
	}
	return docxDefaultBodyPath
}

func readArchiveFile(archive *zip.Reader, name string) ([]byte, error) {
	for _, f := range archive.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}
