package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/gateway"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/cloudwego/eino/schema"
)

var (
	ErrStudyTextMissing      = errors.New("either text or document_id must be provided")
	ErrStudyTextTooLong      = errors.New("text is too long")
	ErrInvalidFlashcardCount = errors.New("flashcard count out of range")
)

const (
	SummaryQuotaRequired   = 50
	FlashcardQuotaRequired = 75
	MaxStudyTextLength     = 10000
	DefaultSummaryWords    = 200
	DefaultFlashcardCount  = 5
	MaxFlashcardCount      = 20

	flashcardMaxTokens = 1500
	fallbackAnswerLen  = 200
)

// DocumentSource returns a document owned by a user.
type DocumentSource interface {
	Get(ctx context.Context, documentID, userID string) (*db.Document, error)
}

// StudyRequest names the material either directly or by document.
type StudyRequest struct {
	UserID     string `json:"-"`
	Text       string `json:"text,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	MaxLength  int    `json:"max_length,omitempty"` // Summary words
	Count      int    `json:"count,omitempty"`      // Flashcards
}

type SummaryResult struct {
	Summary        string `json:"summary"`
	TokensUsed     int    `json:"tokens_used"`
	OriginalLength int    `json:"original_length"`
	SummaryLength  int    `json:"summary_length"`
	Provider       string `json:"provider"`
}

type Flashcard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type FlashcardResult struct {
	Flashcards []Flashcard `json:"flashcards"`
	Count      int         `json:"count"`
	TokensUsed int         `json:"tokens_used"`
	Provider   string      `json:"provider"`
}

// StudyService turns text or a stored document into summaries and
// flashcards with one generation each.
type StudyService struct {
	generator Generator
	documents DocumentSource
	quota     *QuotaService
	logger    *slog.Logger
}

func NewStudyService(generator Generator, documents DocumentSource, quota *QuotaService, logger *slog.Logger) *StudyService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &StudyService{generator: generator, documents: documents, quota: quota, logger: logger}
}

// Summarize asks for a summary of roughly req.MaxLength words.
func (s *StudyService) Summarize(ctx context.Context, req StudyRequest) (*SummaryResult, error) {
	text, err := s.material(ctx, req, SummaryQuotaRequired)
	if err != nil {
		return nil, err
	}
	words := req.MaxLength
	if words <= 0 {
		words = DefaultSummaryWords
	}

	temperature := float32(0.3)
	resp := s.generator.Generate(ctx, []*schema.Message{
		schema.SystemMessage(fmt.Sprintf("You are a helpful assistant that creates concise summaries. Create a summary of the following text in approximately %d words. Capture the main points.", words)),
		schema.UserMessage(text),
	}, gateway.GenerateOptions{
		Temperature: &temperature,
		MaxTokens:   int(math.Ceil(float64(words) * 1.5)),
	})
	s.charge(ctx, req.UserID, resp)

	return &SummaryResult{
		Summary:        resp.Content,
		TokensUsed:     resp.Usage.TotalTokens,
		OriginalLength: utf8.RuneCountInString(text),
		SummaryLength:  utf8.RuneCountInString(resp.Content),
		Provider:       resp.Provider,
	}, nil
}

// Flashcards asks for req.Count question/answer pairs. An answer that is
// not a JSON array becomes a single card holding the start of the answer.
func (s *StudyService) Flashcards(ctx context.Context, req StudyRequest) (*FlashcardResult, error) {
	count := req.Count
	if count == 0 {
		count = DefaultFlashcardCount
	}
	if count < 1 || count > MaxFlashcardCount {
		return nil, fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidFlashcardCount, count, MaxFlashcardCount)
	}
	text, err := s.material(ctx, req, FlashcardQuotaRequired)
	if err != nil {
		return nil, err
	}

	temperature := float32(0.5)
	resp := s.generator.Generate(ctx, []*schema.Message{
		schema.SystemMessage(fmt.Sprintf("You are a helpful assistant that creates educational flashcards. Create exactly %d flashcards from the following text. Format each flashcard as JSON with \"question\" and \"answer\" fields. Return only a JSON array of flashcards.", count)),
		schema.UserMessage(text),
	}, gateway.GenerateOptions{
		Temperature: &temperature,
		MaxTokens:   flashcardMaxTokens,
	})
	s.charge(ctx, req.UserID, resp)

	cards, ok := parseFlashcards(resp.Content)
	if !ok {
		s.logger.Debug("Flashcard answer is not a JSON array", "provider", resp.Provider)
		cards = []Flashcard{{
			Question: "What is the main topic of this content?",
			Answer:   truncateRunes(resp.Content, fallbackAnswerLen) + "...",
		}}
	}
	return &FlashcardResult{
		Flashcards: cards,
		Count:      len(cards),
		TokensUsed: resp.Usage.TotalTokens,
		Provider:   resp.Provider,
	}, nil
}

// material resolves the text to work on and checks the user's quota.
func (s *StudyService) material(ctx context.Context, req StudyRequest, quotaRequired int) (string, error) {
	text := strings.TrimSpace(req.Text)
	if req.DocumentID != "" {
		doc, err := s.documents.Get(ctx, req.DocumentID, req.UserID)
		if err != nil {
			return "", err
		}
		// Long documents are cut to what a single prompt takes.
		text = truncateRunes(strings.TrimSpace(doc.Content), MaxStudyTextLength)
	}
	if text == "" {
		return "", ErrStudyTextMissing
	}
	if n := utf8.RuneCountInString(text); n > MaxStudyTextLength {
		return "", fmt.Errorf("%w: %d characters, at most %d allowed", ErrStudyTextTooLong, n, MaxStudyTextLength)
	}

	usage, ok, err := s.quota.HasQuota(ctx, req.UserID, quotaRequired)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &QuotaExceededError{Used: usage.Used, Limit: usage.Limit, Requested: quotaRequired}
	}
	return text, nil
}

func (s *StudyService) charge(ctx context.Context, userID string, resp *gateway.Response) {
	if err := s.quota.Consume(ctx, userID, resp.Usage.TotalTokens); err != nil {
		s.logger.Warn("Failed to record token usage", "user_id", userID, "tokens", resp.Usage.TotalTokens, "error", err)
	}
}

// parseFlashcards reads the JSON array in content, ignoring any prose or
// code fence around it.
func parseFlashcards(content string) ([]Flashcard, bool) {
	start := strings.IndexByte(content, '[')
	end := strings.LastIndexByte(content, ']')
	if start < 0 || end < start {
		return nil, false
	}
	var cards []Flashcard
	if err := json.Unmarshal([]byte(content[start:end+1]), &cards); err != nil {
		return nil, false
	}
	out := cards[:0]
	for _, c := range cards {
		if strings.TrimSpace(c.Question) != "" && strings.TrimSpace(c.Answer) != "" {
			out = append(out, c)
		}
	}
	return out, len(out) > 0
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
