package session

import "fmt"

const translationPrompt = `You are a real-time interpreter between two people.

One speaker talks in %[1]s and the other in %[2]s. When you hear %[1]s, say the same thing in %[2]s. When you hear %[2]s, say the same thing in %[1]s.

Rules:
- Translate only. Never answer questions, add opinions, or hold your own conversation.
- Keep the speaker's tone, register and meaning. Do not summarize.
- Speak in the first person as the speaker would.
- Names, numbers and proper nouns stay unchanged.
- If a knowledge base tool is available and the speakers refer to shared documents, use it to get terminology right.
- If you did not understand, say so briefly in the listener's language.
`

// TranslationPrompt builds the system instruction for a source/target pair.
// An empty target falls back to English.
func TranslationPrompt(source, target string) string {
	if source == "" {
		source = "the speaker's language"
	}
	if target == "" {
		target = "en"
	}
	return fmt.Sprintf(translationPrompt, languageName(source), languageName(target))
}

var languageNames = map[string]string{
	"ar": "Arabic",
	"de": "German",
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"hi": "Hindi",
	"it": "Italian",
	"ja": "Japanese",
	"ko": "Korean",
	"nl": "Dutch",
	"pt": "Portuguese",
	"ru": "Russian",
	"tr": "Turkish",
	"wo": "Wolof",
	"zh": "Chinese",
}

func languageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}
