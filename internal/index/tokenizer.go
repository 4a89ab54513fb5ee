package index

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenizer splits free text into normalized, stopword-filtered terms.
// Output preserves the order and duplicate count of surviving tokens so
// that term-frequency statistics downstream stay accurate.
type Tokenizer struct {
	stopwords map[string]struct{}
}

// NewTokenizer builds a Tokenizer seeded with the built-in Spanish+English
// stopword list, plus any caller-supplied additions.
func NewTokenizer(extra []string) *Tokenizer {
	stop := make(map[string]struct{}, len(defaultStopwords)+len(extra))
	for _, w := range defaultStopwords {
		stop[w] = struct{}{}
	}
	for _, w := range extra {
		stop[strings.ToLower(w)] = struct{}{}
	}
	return &Tokenizer{stopwords: stop}
}

// Tokenize lowercases the input, splits on non-alphanumeric boundaries, and
// drops tokens shorter than 2 characters or present in the stopword set.
func (t *Tokenizer) Tokenize(text string) []string {
	lower := strings.ToLower(text)
	terms := make([]string, 0, len(lower)/5)

	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		term := b.String()
		b.Reset()
		if utf8.RuneCountInString(term) < 2 {
			return
		}
		if _, stop := t.stopwords[term]; stop {
			return
		}
		terms = append(terms, term)
	}

	for _, r := range lower {
		if isAlphaNumeric(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return terms
}

func isAlphaNumeric(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// defaultStopwords is a built-in Spanish+English stopword list of common
// function words: about 130 English and 90 Spanish entries.
var defaultStopwords = []string{
	// English
	"a", "about", "above", "after", "again", "against", "all", "am", "an",
	"and", "any", "are", "aren't", "as", "at", "be", "because", "been",
	"before", "being", "below", "between", "both", "but", "by", "can",
	"cannot", "could", "did", "do", "does", "doing", "don't", "down",
	"during", "each", "few", "for", "from", "further", "had", "has", "have",
	"having", "he", "her", "here", "hers", "herself", "him", "himself",
	"his", "how", "i", "if", "in", "into", "is", "it", "its", "itself",
	"just", "me", "more", "most", "my", "myself", "no", "nor", "not", "of",
	"off", "on", "once", "only", "or", "other", "our", "ours", "ourselves",
	"out", "over", "own", "same", "she", "should", "so", "some", "such",
	"than", "that", "the", "their", "theirs", "them", "themselves", "then",
	"there", "these", "they", "this", "those", "through", "to", "too",
	"under", "until", "up", "very", "was", "we", "were", "what", "when",
	"where", "which", "while", "who", "whom", "why", "will", "with",
	"would", "you", "your", "yours", "yourself", "yourselves",
	// Spanish
	"el", "la", "los", "las", "un", "una", "unos", "unas", "y", "o", "pero",
	"si", "no", "de", "del", "al", "a", "en", "por", "para", "con", "sin",
	"sobre", "entre", "hacia", "hasta", "desde", "es", "son", "era", "eran",
	"ser", "estar", "esta", "esto", "estos", "estas", "ese", "esa", "eso",
	"esos", "esas", "mi", "mis", "tu", "tus", "su", "sus", "nuestro",
	"nuestra", "nuestros", "nuestras", "yo", "tu", "el", "ella", "nosotros",
	"vosotros", "ellos", "ellas", "que", "quien", "quienes", "cual",
	"cuales", "cuando", "donde", "como", "porque", "muy", "mas", "menos",
	"todo", "toda", "todos", "todas", "otro", "otra", "otros", "otras",
	"mismo", "misma", "tambien", "ya", "aqui", "alli", "ahi",
}
