package convo

import (
	"fmt"
	"time"
)

// #region kind
// Kind distinguishes caller input from worker output.
type Kind string

const (
	KindInput    Kind = "input"
	KindResponse Kind = "response"
)

// #endregion kind

// #region error-kind
// ErrorKind tags a Response that could not be produced normally.
type ErrorKind string

const (
	ErrorNone      ErrorKind = ""
	ErrorTransient ErrorKind = "transient" // single message failed, loop keeps running
	ErrorSystemic  ErrorKind = "systemic"  // loop is in Error state
	ErrorCancelled ErrorKind = "cancelled" // loop exited before the message was processed
)

// #endregion error-kind

// #region convo-message
// ConvoMessage is one turn travelling through the bridge. MessageID correlates
// an Input with its Response.
type ConvoMessage struct {
	ConvoID   int       `json:"convoID"`
	MessageID int       `json:"messageID"`
	Timestamp string    `json:"timestamp"`
	Kind      Kind      `json:"type"`
	Text      string    `json:"text"`
	Trust     float64   `json:"trust"`
	Tokens    []string  `json:"tokens,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Failed reports whether the message carries an error marker.
func (m ConvoMessage) Failed() bool {
	return m.ErrorKind != ErrorNone
}

// ResponseTo builds a Response for input carrying the same correlation keys.
func ResponseTo(input ConvoMessage, text string, trust float64, now time.Time) ConvoMessage {
	return ConvoMessage{
		ConvoID:   input.ConvoID,
		MessageID: input.MessageID,
		Timestamp: Timestamp(now),
		Kind:      KindResponse,
		Text:      text,
		Trust:     trust,
	}
}

// FailureTo builds an error-marked Response for input.
func FailureTo(input ConvoMessage, kind ErrorKind, err error, trust float64, now time.Time) ConvoMessage {
	resp := ResponseTo(input, "", trust, now)
	resp.ErrorKind = kind
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// #endregion convo-message

// #region interaction-record
// InteractionRecord is the durable trace of one completed inference.
type InteractionRecord struct {
	Timestamp        string  `json:"timestamp"`
	ConvoID          int     `json:"conID"`
	MessageID        int     `json:"msgID"`
	Context          string  `json:"context"`
	Input            string  `json:"input"`
	Response         string  `json:"response"`
	Mood             Mood    `json:"mood"`
	Trust            float64 `json:"trust"`
	ClassifierEpochs int     `json:"trainEpochCounter_classifier"`
	GeneratorEpochs  int     `json:"trainEpochCounter_generator"` // carried as given; the loop never trains the generator
}

// #endregion interaction-record

// #region dataset
// Dataset is one training slice handed from the data layer to the classifier.
type Dataset struct {
	ID      string
	Epoch   int // epoch count shared by every record in the slice before selection
	Records []InteractionRecord
}

// Len returns the number of records in the slice.
func (d Dataset) Len() int {
	return len(d.Records)
}

// #endregion dataset

// #region timestamp
// Timestamp renders t as 2006-01-02_15:04:05:<microseconds>.
func Timestamp(t time.Time) string {
	return fmt.Sprintf("%s:%06d", t.Format("2006-01-02_15:04:05"), t.Nanosecond()/1000)
}

// #endregion timestamp
