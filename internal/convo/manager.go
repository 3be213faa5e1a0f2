package convo

// #region imports
import (
	"math/rand/v2"
	"regexp"
	"strings"
)

// #endregion

// #region special-tokens
const (
	TokenContext  = "<|context|>"
	TokenInput    = "<|input|>"
	TokenResponse = "<|response|>"
	TokenEndSeq   = "<|endoftext|>"

	// RetrySignal is returned by FilterResponse when the model produced no usable text.
	RetrySignal = "<|retry|>"
)

// #endregion

// #region phrases

var contextPhrases = [moodCount][]string{
	MoodForeignLanguage: {
		"You don't understand what your friend is saying.",
		"You are having troubles to understand your friend. Ask for clarification.",
		"You are confused. What your friend is saying doesn't make sense.",
	},
	MoodNeutral: {
		"You are having a conversation with a friend.",
		"You are talking to a friend.",
		"You and a friend are having a conversation.",
	},
	MoodTruth: {
		"You agree with what your friend just said.",
		"You are happy that your friend said that. Acknowledge their idea.",
		"You are positively overwhelmed. Tell them that you agree.",
	},
	MoodDoubt: {
		"You are not sure if you agree with what your friend just said.",
		"You doubt the idea your friend just proposed.",
		"You are not sure if you agree with your friend.",
	},
	MoodLie: {
		"You are very unhappy with what your friend just said. Tell them that you disagree strongly.",
		"Your friend just lied to you. Tell them you are disappointed in them.",
		"You are very disappointed in your friend. Tell them that you disagree strongly.",
	},
}

var greetings = []string{
	"Hello, my friend!",
	"Hi there!",
	"Hey.",
	"Hiya! I've been thinking about you.",
	"Hello! How are you doing?",
	"Greetings, wonderful soul!",
	"Hey, stranger!",
	"Howdy, partner!",
	"Hey, you!",
	"Hey, sunshine!",
}

var (
	leadingNoise = regexp.MustCompile(`^\W.*?\n|^\n`)
	hasLetter    = regexp.MustCompile(`[a-zA-Z]`)
)

// #endregion

// #region manager

// Manager turns inputs into model prompts and raw model output back into
// clean text. It tracks the history of the current conversation and is
// owned by the loop worker; it is not safe for concurrent use.
type Manager struct {
	convoID       int
	history       []string
	currentPrompt string
	currentText   string // input of the pending turn, committed with its response
	pick          func(n int) int
}

// NewManager returns a Manager choosing phrases uniformly at random.
func NewManager() *Manager {
	return &Manager{pick: rand.IntN}
}

// NewManagerWithPicker injects the phrase picker. Used for deterministic tests.
func NewManagerWithPicker(pick func(n int) int) *Manager {
	return &Manager{pick: pick}
}

// #endregion

// #region build

// BuildContext returns a steering sentence for the given mood.
func (m *Manager) BuildContext(mood Mood) string {
	if !mood.Valid() {
		mood = MoodNeutral
	}
	options := contextPhrases[mood]
	return options[m.pick(len(options))]
}

// BuildPrompt assembles context, conversation history and the new input into
// a single model prompt. A change of conversation resets the history and an
// empty input is replaced by a greeting.
func (m *Manager) BuildPrompt(input ConvoMessage, mood Mood, context string) string {
	if context == "" {
		context = m.BuildContext(mood)
	}
	if input.ConvoID != m.convoID {
		m.convoID = input.ConvoID
		m.history = nil
	}

	text := input.Text
	if strings.TrimSpace(text) == "" {
		text = greetings[m.pick(len(greetings))]
	}

	var b strings.Builder
	b.WriteString(TokenContext)
	b.WriteString(context)
	b.WriteString(m.joinHistory())
	b.WriteString(TokenInput)
	b.WriteString(text)
	b.WriteString(TokenResponse)
	m.currentPrompt = b.String()
	m.currentText = text
	return m.currentPrompt
}

// #endregion

// #region filter

// FilterResponse strips the echoed prompt and special tokens from raw model
// output and trims it to the last complete sentence. The turn enters the
// history only here, so a failed generation leaves no trace. It returns
// RetrySignal when nothing readable is left. Only meaningful after BuildPrompt.
func (m *Manager) FilterResponse(raw string) string {
	filtered := strings.ReplaceAll(raw, m.currentPrompt, "")
	filtered = strings.ReplaceAll(filtered, TokenEndSeq, "")
	processed := lastSentence(filtered)
	processed = leadingNoise.ReplaceAllString(processed, "")

	if !hasLetter.MatchString(processed) {
		return RetrySignal
	}
	m.history = append(m.history, m.currentText, processed)
	return processed
}

// History returns a copy of the current conversation history.
func (m *Manager) History() []string {
	out := make([]string, len(m.history))
	copy(out, m.history)
	return out
}

// #endregion

// #region helpers

func (m *Manager) joinHistory() string {
	var b strings.Builder
	for i, entry := range m.history {
		if i%2 == 0 {
			b.WriteString(TokenInput)
		} else {
			b.WriteString(TokenResponse)
		}
		b.WriteString(entry)
	}
	return b.String()
}

// lastSentence truncates text after the last sentence terminator when it does
// not already end with one.
func lastSentence(text string) string {
	if !strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "!") && !strings.HasSuffix(text, "?") {
		if end := strings.LastIndexAny(text, ".!?"); end != -1 {
			text = text[:end+1]
		}
	}
	return strings.TrimSpace(text)
}

// #endregion
