// Package functions holds the tools the realtime model may call.
package functions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/room4-2/OpenTranslate/messages"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	// SearchToolName is the function name the model calls
	SearchToolName = "search_knowledge_base"

	defaultTopK  = 3
	maxPageChars = 1500
)

// Chunk is one page of a grounding document
type Chunk struct {
	ID    string // <document>_pages_<n>
	Title string
	Text  string
	terms map[string]int
}

// KnowledgeBase is an in-memory term index over grounding documents
type KnowledgeBase struct {
	chunks []*Chunk
	logger *zap.Logger
}

// NewKnowledgeBase indexes the given chunks
func NewKnowledgeBase(chunks []*Chunk, logger *zap.Logger) *KnowledgeBase {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, c := range chunks {
		c.terms = termCounts(c.Text)
	}
	return &KnowledgeBase{chunks: chunks, logger: logger}
}

// LoadKnowledgeBase reads every .txt and .md file in dir. Pages are
// separated by form feeds, or packed from paragraphs when a file has none.
func LoadKnowledgeBase(dir string, logger *zap.Logger) (*KnowledgeBase, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read knowledge dir: %w", err)
	}

	var chunks []*Chunk
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".txt" && ext != ".md") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}

		base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		for i, page := range splitPages(string(data)) {
			chunks = append(chunks, &Chunk{
				ID:    fmt.Sprintf("%s_pages_%d", base, i+1),
				Title: base,
				Text:  page,
			})
		}
	}

	kb := NewKnowledgeBase(chunks, logger)
	kb.logger.Info("Loaded knowledge base", zap.String("dir", dir), zap.Int("chunks", len(chunks)))
	return kb, nil
}

func splitPages(doc string) []string {
	var pages []string
	if strings.Contains(doc, "\f") {
		for _, p := range strings.Split(doc, "\f") {
			if p = strings.TrimSpace(p); p != "" {
				pages = append(pages, p)
			}
		}
		return pages
	}

	var page strings.Builder
	for _, para := range strings.Split(doc, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if page.Len() > 0 && page.Len()+len(para) > maxPageChars {
			pages = append(pages, page.String())
			page.Reset()
		}
		if page.Len() > 0 {
			page.WriteString("\n\n")
		}
		page.WriteString(para)
	}
	if page.Len() > 0 {
		pages = append(pages, page.String())
	}
	return pages
}

func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, t := range tokenize(text) {
		counts[t]++
	}
	return counts
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Len returns the number of indexed chunks
func (kb *KnowledgeBase) Len() int {
	return len(kb.chunks)
}

// Search returns up to topK chunks sharing the most terms with query
func (kb *KnowledgeBase) Search(query string, topK int) []*Chunk {
	if topK <= 0 {
		topK = defaultTopK
	}

	type scored struct {
		chunk *Chunk
		score int
	}
	terms := make(map[string]bool)
	for _, term := range tokenize(query) {
		terms[term] = true
	}

	var hits []scored
	for _, c := range kb.chunks {
		score := 0
		for term := range terms {
			score += c.terms[term]
		}
		if score > 0 {
			hits = append(hits, scored{c, score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	result := make([]*Chunk, len(hits))
	for i, h := range hits {
		result[i] = h.chunk
	}
	return result
}

// Tools returns the tool declarations for the Live session, or nil if the
// knowledge base is empty
func (kb *KnowledgeBase) Tools() []*genai.Tool {
	if kb == nil || len(kb.chunks) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{SearchFunctionDeclaration()}}}
}

// SearchFunctionDeclaration describes the search tool to the model
func SearchFunctionDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        SearchToolName,
		Description: "Search the shared knowledge base for facts relevant to the conversation.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"search_query": {
					Type:        genai.TypeString,
					Description: "The search query to use to search the knowledge base.",
				},
			},
			Required: []string{"search_query"},
		},
	}
}

// Execute runs one function call. The second result is the tool_result
// document forwarded to the client, empty for unknown functions.
func (kb *KnowledgeBase) Execute(call *genai.FunctionCall) (*genai.FunctionResponse, string) {
	resp := &genai.FunctionResponse{ID: call.ID, Name: call.Name}

	if call.Name != SearchToolName || kb == nil {
		kb.log().Warn("Unknown function called", zap.String("name", call.Name))
		resp.Response = map[string]any{"error": fmt.Sprintf("Unknown function: %s", call.Name)}
		return resp, ""
	}

	query, _ := call.Args["search_query"].(string)
	chunks := kb.Search(query, defaultTopK)
	kb.logger.Debug("Knowledge search", zap.String("query", query), zap.Int("hits", len(chunks)))

	result := messages.ToolResult{Sources: make([]messages.GroundingSource, 0, len(chunks))}
	var output strings.Builder
	for _, c := range chunks {
		result.Sources = append(result.Sources, messages.GroundingSource{ChunkID: c.ID, Title: c.Title, Chunk: c.Text})
		fmt.Fprintf(&output, "%s\n%s\n", c.ID, c.Text)
	}
	resp.Response = map[string]any{"output": output.String()}

	doc, err := messages.Encode(result)
	if err != nil {
		kb.logger.Error("Failed to encode tool result", zap.Error(err))
		return resp, ""
	}
	return resp, string(doc)
}

func (kb *KnowledgeBase) log() *zap.Logger {
	if kb == nil {
		return zap.NewNop()
	}
	return kb.logger
}
