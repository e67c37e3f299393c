// Package chat answers questions and generates summaries grounded in a
// patient's indexed records.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/karteio/karte/internal/llm"
	"github.com/karteio/karte/internal/models"
	"github.com/karteio/karte/internal/patientindex"
	"github.com/karteio/karte/internal/storage"
)

// DefaultChatTopK is how many record chunks are retrieved per question.
const DefaultChatTopK = 8

// Prompt size caps. The local model's context window is small, so record
// context keeps its tail (most recent entries) and questions keep their head.
const (
	maxContextChars  = 3500
	maxQuestionChars = 1000
	maxSummaryChars  = 8000

	answerMaxTokens  = 600
	summaryMaxTokens = 400
)

const blockSeparator = "\n\n---\n\n"

// Audience selects whose reading level a summary targets.
type Audience string

const (
	AudiencePatient Audience = "patient"
	AudienceDoctor  Audience = "doctor"
)

// Engine wires retrieval, relational storage, and the LLM into the two
// conversational operations: ask and summarize.
type Engine struct {
	store  storage.Storage
	index  *patientindex.Service
	llm    llm.Generator
	topK   int
	logger *zap.Logger
}

// NewEngine creates a chat engine. topK <= 0 uses DefaultChatTopK.
func NewEngine(store storage.Storage, index *patientindex.Service, generator llm.Generator, topK int, logger *zap.Logger) *Engine {
	if topK <= 0 {
		topK = DefaultChatTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, index: index, llm: generator, topK: topK, logger: logger}
}

// Ask answers a question about one patient using retrieved record chunks,
// falling back to structured lab results when the vector index has nothing.
// The exchange is appended to the patient's chat history.
func (e *Engine) Ask(ctx context.Context, patientID, question string) (*models.ChatEntry, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is empty")
	}
	if _, err := e.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}

	recordContext := e.retrieveContext(ctx, patientID, question)
	if recordContext == "" {
		recordContext = e.labContext(ctx, patientID)
	}
	if recordContext == "" {
		recordContext = "No medical reports are available yet for this patient."
	}
	if len(recordContext) > maxContextChars {
		recordContext = recordContext[len(recordContext)-maxContextChars:]
	}
	if len(question) > maxQuestionChars {
		question = question[:maxQuestionChars]
	}

	systemPrompt := strings.Join([]string{
		"You are a medical assistant.",
		"Do NOT repeat the user's question. Start your response directly.",
		"Use ONLY the provided patient records.",
		"If information is missing, clearly say you do not have enough data.",
		"Do NOT prescribe medicines or dosages.",
	}, "\n")

	userPrompt := fmt.Sprintf("Patient ID: %s\n\nPatient record snippets:\n%s\n\nUser query:\n%s\n\nAnswer fully and directly. Do not echo the question.",
		patientID, recordContext, question)

	answer, err := e.llm.Generate(ctx, systemPrompt, userPrompt, answerMaxTokens)
	if err != nil {
		return nil, err
	}

	entry := &models.ChatEntry{PatientID: patientID, Question: question, Answer: answer}
	if err := e.store.AddChatEntry(ctx, entry); err != nil {
		e.logger.Warn("failed to record chat entry", zap.String("patient_id", patientID), zap.Error(err))
	}
	return entry, nil
}

// retrieveContext searches the patient's vector index and joins the hit
// chunks. Retrieval failures degrade to an empty context instead of failing
// the question; patients with only lab reports have no index at all.
func (e *Engine) retrieveContext(ctx context.Context, patientID, question string) string {
	entries, err := e.index.SearchText(ctx, patientID, question, e.topK)
	if err != nil {
		e.logger.Warn("record retrieval skipped", zap.String("patient_id", patientID), zap.Error(err))
		return ""
	}
	var texts []string
	for _, entry := range entries {
		if entry.Type == patientindex.TypeText && entry.Text != "" {
			texts = append(texts, entry.Text)
		}
	}
	if len(texts) == 0 {
		return ""
	}
	return "Patient records are ordered chronologically. Recent findings appear later in the text.\n\n" +
		strings.Join(texts, blockSeparator)
}

// labContext builds readable context from structured lab reports.
func (e *Engine) labContext(ctx context.Context, patientID string) string {
	reports, err := e.store.ListLabReports(ctx, patientID)
	if err != nil {
		e.logger.Warn("lab context skipped", zap.String("patient_id", patientID), zap.Error(err))
		return ""
	}
	var blocks []string
	for _, r := range reports {
		if block := labReportBlock(r); block != "" {
			blocks = append(blocks, block)
		}
	}
	if len(blocks) == 0 {
		return ""
	}
	return "The following are structured lab results for this patient:\n\n" +
		strings.Join(blocks, blockSeparator)
}

// Summarize generates a whole-record summary for the given audience.
func (e *Engine) Summarize(ctx context.Context, patientID string, audience Audience) (string, error) {
	if audience != AudiencePatient && audience != AudienceDoctor {
		return "", fmt.Errorf("unknown summary audience %q", audience)
	}
	if _, err := e.store.GetPatient(ctx, patientID); err != nil {
		return "", err
	}

	reports, err := e.store.ListReportsByPatient(ctx, patientID)
	if err != nil {
		return "", fmt.Errorf("list reports: %w", err)
	}
	recordContext := buildReportContext(reports)
	if recordContext == "" {
		if audience == AudiencePatient {
			return "No textual medical reports are available yet. Your lab results are recorded, but a written summary requires doctor notes or diagnostic reports.", nil
		}
		return "No textual reports available yet for this patient.", nil
	}

	var systemPrompt, task string
	if audience == AudiencePatient {
		systemPrompt = "You are a medical assistant that explains a patient's health record in simple, clear, and reassuring language. Avoid medical jargon where possible."
		task = "Summarize this information in simple language for the patient.\nUse short paragraphs or bullet points.\nDo not invent facts.\nDo NOT prescribe medications."
	} else {
		systemPrompt = "You are a clinical decision-support assistant generating concise, medically accurate summaries strictly from patient records."
		task = "Provide a concise clinical summary.\nHighlight abnormal findings and trends.\nDo not speculate beyond the text."
	}

	userPrompt := fmt.Sprintf("Patient ID: %s\n\nPatient records:\n%s\n\nTask:\n%s", patientID, recordContext, task)
	return e.llm.Generate(ctx, systemPrompt, userPrompt, summaryMaxTokens)
}

// buildReportContext renders reports oldest first as labeled blocks, keeping
// the tail when the whole record exceeds the prompt size limit.
func buildReportContext(reports []*models.Report) string {
	ordered := make([]*models.Report, len(reports))
	copy(ordered, reports)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	var blocks []string
	for _, r := range ordered {
		switch r.ReportType {
		case models.ReportText, models.ReportImage:
			if r.ParsedText != "" {
				blocks = append(blocks, fmt.Sprintf("[REPORT | %s | %s]\n%s",
					strings.ToUpper(r.ReportType), r.CreatedAt.Format("2006-01-02"), r.ParsedText))
			}
		case models.ReportLab:
			if block := labReportBlock(r); block != "" {
				blocks = append(blocks, block)
			}
		}
	}
	if len(blocks) == 0 {
		return ""
	}
	full := strings.Join(blocks, blockSeparator)
	if len(full) > maxSummaryChars {
		full = full[len(full)-maxSummaryChars:]
	}
	return full
}

func labReportBlock(r *models.Report) string {
	if len(r.ExtractedData) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.ExtractedData))
	for k := range r.ExtractedData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, r.ExtractedData[k]))
	}
	return fmt.Sprintf("[LAB REPORT | %s]\n%s", r.CreatedAt.Format("2006-01-02"), strings.Join(lines, "\n"))
}
