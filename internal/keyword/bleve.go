package keyword

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path.
// An existing index is opened and reused. If the mapping in code changes,
// remove the index directory to force a full re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	contentMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming): clinical terms
	// and drug names must match exactly as typed.
	contentMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", contentMapping)
	docMapping.AddFieldMappingsAt("patient_id", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("report_type", bleve.NewKeywordFieldMapping())
	im.AddDocumentMapping("report", docMapping)
	im.DefaultType = "report"
	im.DefaultMapping = docMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("open keyword index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// Index indexes a report's text under its report ID.
func (b *BleveIndex) Index(ctx context.Context, reportID int64, doc *ReportDoc) error {
	return b.index.Index(docID(reportID), doc)
}

// Search runs a match query over report content, restricted to a single
// patient's reports. Results come back in score order, best first.
func (b *BleveIndex) Search(ctx context.Context, patientID, query string, limit int) ([]*Result, error) {
	patientQuery := bleve.NewTermQuery(patientID)
	patientQuery.SetField("patient_id")

	contentQuery := bleve.NewMatchQuery(query)
	contentQuery.SetField("content")

	q := bleve.NewConjunctionQuery(
		blevequery.Query(patientQuery),
		blevequery.Query(contentQuery),
	)
	req := bleve.NewSearchRequest(q)
	req.Size = limit

	results, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	out := make([]*Result, 0, len(results.Hits))
	for _, hit := range results.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, &Result{ReportID: id, Score: hit.Score})
	}
	return out, nil
}

// Delete removes a report from the index.
func (b *BleveIndex) Delete(ctx context.Context, reportID int64) error {
	return b.index.Delete(docID(reportID))
}

// DocCount returns the number of indexed reports.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the underlying index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

func docID(reportID int64) string {
	return strconv.FormatInt(reportID, 10)
}
