package domain

// ClassificationSource tells where a classification came from.
type ClassificationSource string

const (
	SourceClassifier ClassificationSource = "classifier"
	SourceHeuristic  ClassificationSource = "heuristic"
)

// Classification is the result of analysing one message. It is either a
// Reply or a NoReply.
type Classification interface {
	ShouldReply() bool
	Meta() ClassificationMeta
}

// ClassificationMeta holds the fields shared by every classification.
type ClassificationMeta struct {
	Priority   string               `json:"priority"`
	Category   string               `json:"category"`
	Confidence float64              `json:"confidence"`
	Source     ClassificationSource `json:"source"`
}

// Reply means the message should be answered. Text may be empty, in which
// case the processor uses its configured template.
type Reply struct {
	ClassificationMeta
	Text string `json:"text,omitempty"`
}

func (Reply) ShouldReply() bool { return true }
func (r Reply) Meta() ClassificationMeta { return r.ClassificationMeta }

// NoReply means the message needs no answer.
type NoReply struct {
	ClassificationMeta
	Reason string `json:"reason,omitempty"`
}

func (NoReply) ShouldReply() bool { return false }
func (n NoReply) Meta() ClassificationMeta { return n.ClassificationMeta }

// ClassificationRequest is what the external classifier receives.
type ClassificationRequest struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	From        string `json:"from"`
	BodyPreview string `json:"bodyPreview"`
	Body        string `json:"body"`
}

// NewClassificationRequest builds the classifier payload for a message.
func NewClassificationRequest(m *Message) ClassificationRequest {
	return ClassificationRequest{
		ID:          m.ID,
		Subject:     m.Subject,
		From:        m.From,
		BodyPreview: m.BodyPreview,
		Body:        m.Body,
	}
}
