package convo

import "fmt"

// #region mood
// Mood is the classifier's stance label for an input.
type Mood uint8

const (
	MoodForeignLanguage Mood = iota
	MoodNeutral
	MoodTruth
	MoodDoubt
	MoodLie

	moodCount
)

// moodNames is indexed by Mood; its length is fixed by moodCount so adding a
// Mood without a name fails to compile.
var moodNames = [moodCount]string{
	MoodForeignLanguage: "forlang",
	MoodNeutral:         "neutral",
	MoodTruth:           "truth",
	MoodDoubt:           "doubt",
	MoodLie:             "lie",
}

// Moods lists every defined Mood in declaration order.
func Moods() []Mood {
	out := make([]Mood, 0, moodCount)
	for m := Mood(0); m < moodCount; m++ {
		out = append(out, m)
	}
	return out
}

// #endregion mood

// #region encode-decode
func (m Mood) String() string {
	if m >= moodCount {
		return fmt.Sprintf("mood(%d)", uint8(m))
	}
	return moodNames[m]
}

// Valid reports whether m is a defined Mood.
func (m Mood) Valid() bool {
	return m < moodCount
}

// ParseMood decodes a label produced by String.
func ParseMood(s string) (Mood, error) {
	for i, name := range moodNames {
		if name == s {
			return Mood(i), nil
		}
	}
	return MoodNeutral, fmt.Errorf("unknown mood %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mood) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mood %d", uint8(m))
	}
	return []byte(moodNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mood) UnmarshalText(b []byte) error {
	parsed, err := ParseMood(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// #endregion encode-decode
