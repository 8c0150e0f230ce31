// Package chat contains the built-in chat capture worker: an IRC client that
// classifies incoming lines and feeds batches into the session ingestion
// pipeline, plus a Helix poller that opens and closes sessions around live
// broadcasts.
package chat

import (
	"strings"
	"unicode"
)

// Small lexicons for the capture-side classifier. Ingestion only stores the
// bucketed category, so coarse scoring is sufficient here.
var positiveWords = map[string]bool{
	"pog": true, "poggers": true, "pogchamp": true, "love": true, "lol": true,
	"lmao": true, "nice": true, "great": true, "good": true, "awesome": true,
	"amazing": true, "gg": true, "hype": true, "letsgo": true, "w": true,
	"clutch": true, "insane": true, "best": true, "kekw": true, "lul": true,
}

var negativeWords = map[string]bool{
	"bad": true, "trash": true, "boring": true, "hate": true, "worst": true,
	"l": true, "cringe": true, "rip": true, "sadge": true, "oof": true,
	"awful": true, "terrible": true, "lame": true, "scam": true, "mald": true,
}

var spanishHints = map[string]bool{
	"que": true, "como": true, "hola": true, "gracias": true, "bueno": true,
	"jaja": true, "jajaja": true, "vamos": true, "si": true, "pero": true,
}

// SentimentScore produces a coarse numeric score from lexicon hits: positive
// words add, negative words subtract. Zero means neutral.
func SentimentScore(text string) float64 {
	var score float64
	for _, w := range tokenize(text) {
		if positiveWords[w] {
			score++
		}
		if negativeWords[w] {
			score--
		}
	}
	return score
}

// IsQuestion reports whether a chat line reads as a question.
func IsQuestion(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if strings.Contains(t, "?") {
		return true
	}
	first := strings.ToLower(strings.SplitN(t, " ", 2)[0])
	switch first {
	case "who", "what", "when", "where", "why", "how", "is", "are", "can", "does", "do":
		return true
	}
	return false
}

// DetectLanguage is a cheap hint, not a real detector; the dashboard only
// distinguishes a handful of chat languages.
func DetectLanguage(text string) string {
	hits := 0
	for _, w := range tokenize(text) {
		if spanishHints[w] {
			hits++
		}
	}
	if hits >= 2 {
		return "es"
	}
	return "en"
}

// EngagementFor grades a single line: long or emphatic messages are high,
// one-token reactions are low, everything else medium.
func EngagementFor(text string) string {
	t := strings.TrimSpace(text)
	words := tokenize(t)
	switch {
	case len(words) >= 8 || strings.Count(t, "!") >= 2:
		return "high"
	case len(words) <= 1:
		return "low"
	default:
		return "medium"
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
