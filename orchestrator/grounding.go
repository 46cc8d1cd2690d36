package orchestrator

import (
	"regexp"

	"github.com/room4-2/OpenTranslate/messages"
)

var pageSuffix = regexp.MustCompile(`_pages_(\d+)$`)

// GroundingFile is a knowledge source cited by the model
type GroundingFile struct {
	ID      string
	Name    string
	Content string
}

func groundingFiles(result *messages.ToolResult) []GroundingFile {
	files := make([]GroundingFile, 0, len(result.Sources))
	for _, src := range result.Sources {
		name := src.Title
		if m := pageSuffix.FindStringSubmatch(src.ChunkID); m != nil {
			name = src.Title + "#page=" + m[1]
		}
		files = append(files, GroundingFile{ID: src.ChunkID, Name: name, Content: src.Chunk})
	}
	return files
}
