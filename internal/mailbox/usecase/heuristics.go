package usecase

import (
	"regexp"
	"strings"

	"mailsync/internal/mailbox/domain"
)

// HeuristicConfidence is the confidence recorded for local classifications.
const HeuristicConfidence = 0.3

// defaultSenderPatterns match the local part of automated sender addresses
var defaultSenderPatterns = []string{
	"noreply", "no-reply", "no_reply", "donotreply", "do-not-reply",
	"notifications", "notification", "mailer-daemon", "postmaster",
	"bounce", "bounces",
}

// defaultSubjectKeywords mark delivery reports and auto-responders
var defaultSubjectKeywords = []string{
	"delivery status notification",
	"undeliverable",
	"mail delivery failed",
	"returned mail",
	"out of office",
	"automatic reply",
	"auto-reply",
	"autoreply",
}

var interrogativeRe = regexp.MustCompile(`(?i)\?|\b(what|when|where|why|how|who|which|could you|can you|would you|is there|are there|is it|do you|does|please advise|let me know)\b`)

// AutomatedFilter recognizes machine generated mail that must never get an
// automatic reply.
type AutomatedFilter struct {
	senderPatterns  []string
	subjectKeywords []string
}

// NewAutomatedFilter builds a filter from the defaults plus extra patterns.
func NewAutomatedFilter(extraSenders, extraSubjects []string) *AutomatedFilter {
	f := &AutomatedFilter{
		senderPatterns:  append([]string{}, defaultSenderPatterns...),
		subjectKeywords: append([]string{}, defaultSubjectKeywords...),
	}
	for _, s := range extraSenders {
		f.senderPatterns = append(f.senderPatterns, strings.ToLower(s))
	}
	for _, s := range extraSubjects {
		f.subjectKeywords = append(f.subjectKeywords, strings.ToLower(s))
	}
	return f
}

// Match reports whether msg is automated and why.
func (f *AutomatedFilter) Match(msg *domain.Message) (bool, string) {
	from := strings.ToLower(msg.From)
	local, host := from, ""
	if at := strings.LastIndex(from, "@"); at >= 0 {
		local, host = from[:at], from[at+1:]
	}
	for _, p := range f.senderPatterns {
		if strings.Contains(p, "@") || strings.Contains(p, ".") {
			// Full address or domain pattern
			if strings.Contains(from, p) || host == p {
				return true, "sender " + p
			}
			continue
		}
		if strings.Contains(local, p) {
			return true, "sender " + p
		}
	}

	subject := strings.ToLower(msg.Subject)
	for _, k := range f.subjectKeywords {
		if strings.Contains(subject, k) {
			return true, "subject " + k
		}
	}
	return false, ""
}

// HeuristicClassify is the local fallback when the classifier is unavailable:
// anything that reads like a question gets a reply.
func HeuristicClassify(msg *domain.Message) domain.Classification {
	meta := domain.ClassificationMeta{
		Priority:   "medium",
		Category:   "general",
		Confidence: HeuristicConfidence,
		Source:     domain.SourceHeuristic,
	}
	text := msg.Subject + "\n" + msg.BodyPreview
	if msg.BodyPreview == "" {
		text += "\n" + msg.Body
	}
	if interrogativeRe.MatchString(text) {
		return domain.Reply{ClassificationMeta: meta}
	}
	return domain.NoReply{ClassificationMeta: meta, Reason: "no question found"}
}
