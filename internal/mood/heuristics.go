package mood

// #region imports
import (
	"strings"
	"unicode"

	"github.com/danielpatrickdp/convoloop/internal/convo"
)

// #endregion

// #region keywords

var lieKeywords = []string{
	"that's a lie", "thats a lie", "you lied", "you're lying", "youre lying",
	"liar", "not true", "untrue", "false", "that's wrong", "you're wrong",
	"never said", "made that up", "made it up", "nonsense", "fake",
}

var doubtKeywords = []string{
	"not sure", "unsure", "i doubt", "doubtful", "maybe", "perhaps",
	"are you sure", "i guess", "might be", "could be", "hard to believe",
	"don't know", "dont know", "hmm", "really?",
}

var truthKeywords = []string{
	"true", "correct", "exactly", "that's right", "you're right", "right.",
	"agreed", "i agree", "indeed", "yes", "absolutely", "of course", "fact",
}

// englishStopwords are frequent enough that any English sentence of a few
// words contains at least one.
var englishStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "do": true, "does": true, "did": true,
	"have": true, "has": true, "be": true, "will": true, "would": true,
	"can": true, "not": true, "no": true, "and": true, "or": true,
	"but": true, "if": true, "so": true, "at": true, "for": true,
	"from": true, "in": true, "of": true, "on": true, "to": true,
	"with": true, "it": true, "this": true, "that": true, "what": true,
	"who": true, "how": true, "why": true, "you": true, "me": true,
	"i": true, "my": true, "your": true, "we": true, "they": true,
	"yes": true, "hello": true, "hi": true, "ok": true, "okay": true,
}

// #endregion

// #region classify

// Classify labels text via keyword heuristics. No model call.
func Classify(text string) convo.Mood {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return convo.MoodDoubt
	}
	if isForeign(lower) {
		return convo.MoodForeignLanguage
	}
	switch {
	case containsAny(lower, lieKeywords):
		return convo.MoodLie
	case containsAny(lower, doubtKeywords):
		return convo.MoodDoubt
	case containsAny(lower, truthKeywords):
		return convo.MoodTruth
	}
	return convo.MoodNeutral
}

// #endregion

// #region helpers

// isForeign flags text dominated by non-ASCII letters, or text of four or
// more words without a single English stopword.
func isForeign(lower string) bool {
	var letters, foreign int
	for _, r := range lower {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if r > unicode.MaxASCII {
			foreign++
		}
	}
	if letters == 0 {
		return false
	}
	if foreign*10 >= letters*3 {
		return true
	}

	ws := words(lower)
	if len(ws) < 4 {
		return false
	}
	for _, w := range ws {
		if englishStopwords[w] {
			return false
		}
	}
	return true
}

func words(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	return strings.Join(words(strings.ToLower(text)), " ")
}

// #endregion
