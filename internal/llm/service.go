package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/models"
)

// keywordConfidence is the fixed confidence assigned to deterministic
// keyword matches.
const keywordConfidence = 0.9

// defaultIntentConfidence is assigned when classification falls through to
// the user's default intent.
const defaultIntentConfidence = 0.5

const maxPromptBody = 2000

type completer interface {
	complete(ctx context.Context, system, user string, temperature float32, maxTokens int, wantJSON bool) (string, int, error)
}

// Service implements the typed model operations on top of the
// chat-completions client.
type Service struct {
	client completer
	clock  clock.Clock
}

func NewService(client *Client, clk clock.Clock) *Service {
	return &Service{client: client, clock: clk}
}

// ClassifyInput carries one inbound email plus the user's active intents in
// priority order.
type ClassifyInput struct {
	Subject string
	Body    string
	From    string
	Intents []models.Intent
}

type ClassifyResult struct {
	Intent     *models.Intent
	Confidence float64
	// Method records how the decision was made: "keyword", "llm" or
	// "default".
	Method     string
	TokensUsed int
}

// Classify resolves an email to an intent. Keyword matching runs first and
// is deterministic: intents are checked in priority order and any
// case-insensitive keyword hit in subject or body decides immediately. The
// model is only consulted when no keyword matches; if it fails or names an
// unknown intent, the user's default intent is used. With no default either,
// the result carries a nil intent.
func (s *Service) Classify(ctx context.Context, in ClassifyInput) (ClassifyResult, error) {
	haystack := strings.ToLower(in.Subject + "\n" + in.Body)
	for i := range in.Intents {
		intent := &in.Intents[i]
		for _, kw := range intent.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(haystack, kw) {
				return ClassifyResult{Intent: intent, Confidence: keywordConfidence, Method: "keyword"}, nil
			}
		}
	}

	if len(in.Intents) == 0 {
		return ClassifyResult{Method: "default"}, nil
	}

	result, tokens, err := s.classifySemantic(ctx, in)
	if err != nil {
		if isRetryable(err) {
			return ClassifyResult{TokensUsed: tokens}, err
		}
		// Unretryable model failure: degrade to the default intent.
		return s.defaultResult(in.Intents, tokens), nil
	}
	result.TokensUsed = tokens
	return result, nil
}

func (s *Service) classifySemantic(ctx context.Context, in ClassifyInput) (ClassifyResult, int, error) {
	var sb strings.Builder
	sb.WriteString("Available intents:\n")
	for _, intent := range in.Intents {
		fmt.Fprintf(&sb, "- %s", intent.Name)
		if len(intent.Examples) > 0 {
			fmt.Fprintf(&sb, " (examples: %s)", strings.Join(intent.Examples, "; "))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nEmail from %s:\nSubject: %s\nBody: %s\n", in.From, in.Subject, clip(in.Body))

	system := "You classify inbound emails into one of the user's intents. " +
		"Respond with JSON: {\"intent\": \"<intent name>\", \"confidence\": <0..1>}. " +
		"Use the intent name exactly as listed."

	content, tokens, err := s.client.complete(ctx, system, sb.String(), 0.2, 300, true)
	if err != nil {
		return ClassifyResult{}, tokens, err
	}

	var parsed struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &parsed); err != nil {
		return ClassifyResult{}, tokens, fmt.Errorf("%w: parse classification: %v", ErrBadRequest, err)
	}

	for i := range in.Intents {
		if strings.EqualFold(in.Intents[i].Name, strings.TrimSpace(parsed.Intent)) {
			conf := parsed.Confidence
			if conf < 0 || conf > 1 {
				conf = 0
			}
			return ClassifyResult{Intent: &in.Intents[i], Confidence: conf, Method: "llm"}, tokens, nil
		}
	}
	return ClassifyResult{}, tokens, fmt.Errorf("%w: unknown intent %q", ErrBadRequest, parsed.Intent)
}

func (s *Service) defaultResult(intents []models.Intent, tokens int) ClassifyResult {
	for i := range intents {
		if intents[i].IsDefault {
			return ClassifyResult{
				Intent:     &intents[i],
				Confidence: defaultIntentConfidence,
				Method:     "default",
				TokensUsed: tokens,
			}
		}
	}
	return ClassifyResult{Method: "default", TokensUsed: tokens}
}

// MeetingDetails is the schedulable payload of a detected meeting request.
type MeetingDetails struct {
	Title     string
	Start     time.Time
	End       time.Time
	Timezone  string
	Location  string
	Attendees []string
}

type MeetingResult struct {
	Detected   bool
	Confidence float64
	Details    MeetingDetails
	TokensUsed int
}

// DetectMeeting asks the model whether the email requests a meeting and
// extracts the proposed window. threadContext carries the prior exchange
// with the sender so replies like "can we move it to 4pm?" resolve against
// the meeting already discussed. A missing end time defaults to one hour
// after the start; a missing timezone defaults to UTC.
func (s *Service) DetectMeeting(ctx context.Context, subject, body, from, threadContext string) (MeetingResult, error) {
	now := s.clock.Now().UTC().Format(time.RFC3339)
	system := "You detect meeting requests in emails. The current time is " + now + ". " +
		"Respond with JSON: {\"detected\": bool, \"confidence\": <0..1>, " +
		"\"details\": {\"title\": str, \"start_iso\": str, \"end_iso\": str, " +
		"\"timezone\": str, \"location\": str, \"attendees\": [str]}}. " +
		"Times are RFC3339. Resolve relative dates against the current time, " +
		"and references to an existing meeting against the prior conversation. " +
		"Leave fields empty when the email does not specify them."

	user := fmt.Sprintf("Email from %s:\nSubject: %s\nBody: %s", from, subject, clip(body))
	if threadContext != "" {
		user = threadContext + "\n\n" + user
	}

	content, tokens, err := s.client.complete(ctx, system, user, 0.2, 500, true)
	if err != nil {
		return MeetingResult{TokensUsed: tokens}, err
	}

	var parsed struct {
		Detected   bool    `json:"detected"`
		Confidence float64 `json:"confidence"`
		Details    struct {
			Title     string   `json:"title"`
			StartISO  string   `json:"start_iso"`
			EndISO    string   `json:"end_iso"`
			Timezone  string   `json:"timezone"`
			Location  string   `json:"location"`
			Attendees []string `json:"attendees"`
		} `json:"details"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &parsed); err != nil {
		return MeetingResult{TokensUsed: tokens}, fmt.Errorf("%w: parse meeting detection: %v", ErrBadRequest, err)
	}

	result := MeetingResult{
		Detected:   parsed.Detected,
		Confidence: parsed.Confidence,
		TokensUsed: tokens,
	}
	if !parsed.Detected {
		return result, nil
	}

	result.Details = MeetingDetails{
		Title:     parsed.Details.Title,
		Timezone:  parsed.Details.Timezone,
		Location:  parsed.Details.Location,
		Attendees: parsed.Details.Attendees,
	}
	if result.Details.Timezone == "" {
		result.Details.Timezone = "UTC"
	}
	if start, err := time.Parse(time.RFC3339, parsed.Details.StartISO); err == nil {
		result.Details.Start = start
		if end, err := time.Parse(time.RFC3339, parsed.Details.EndISO); err == nil && end.After(start) {
			result.Details.End = end
		} else {
			result.Details.End = start.Add(time.Hour)
		}
	}
	return result, nil
}

// DraftInput carries everything the draft prompt is built from.
type DraftInput struct {
	Persona      string
	IntentPrompt string
	Knowledge    []string
	// Context is the structured prior-conversation block from the
	// conversation linker.
	Context    string
	Subject    string
	Body       string
	FromName   string
	FromAddr   string
	// Event describes a calendar event just created for this email; its
	// details must be echoed in the reply.
	Event string
	// Feedback carries the validator's rejection reason on retry attempts.
	Feedback string
}

// Draft generates a reply to the email.
func (s *Service) Draft(ctx context.Context, in DraftInput) (string, int, error) {
	now := s.clock.Now().UTC().Format(time.RFC3339)

	var system strings.Builder
	system.WriteString("You write email replies on behalf of the user. The current time is " + now + ". ")
	system.WriteString("Write only the reply body, no subject line and no signature.")
	if in.Persona != "" {
		system.WriteString("\n\nUser persona:\n" + in.Persona)
	}
	if in.IntentPrompt != "" {
		system.WriteString("\n\nInstructions for this kind of email:\n" + in.IntentPrompt)
	}
	if len(in.Knowledge) > 0 {
		system.WriteString("\n\nRelevant knowledge:\n")
		for _, item := range in.Knowledge {
			system.WriteString("- " + item + "\n")
		}
	}

	var user strings.Builder
	if in.Context != "" {
		user.WriteString(in.Context + "\n\n")
	}
	sender := in.FromAddr
	if in.FromName != "" {
		sender = fmt.Sprintf("%s <%s>", in.FromName, in.FromAddr)
	}
	fmt.Fprintf(&user, "Reply to this email from %s:\nSubject: %s\nBody: %s\n", sender, in.Subject, clip(in.Body))
	if in.Event != "" {
		fmt.Fprintf(&user, "\nA calendar event was scheduled for this request. Confirm it in the reply with these details:\n%s\n", in.Event)
	}
	if in.Feedback != "" {
		fmt.Fprintf(&user, "\nA previous draft was rejected: %s\nAddress this in the new draft.\n", in.Feedback)
	}

	content, tokens, err := s.client.complete(ctx, system.String(), user.String(), 0.7, 800, false)
	if err != nil {
		return "", tokens, err
	}
	return strings.TrimSpace(content), tokens, nil
}

type ValidateResult struct {
	Valid      bool
	Reason     string
	TokensUsed int
}

// Validate checks a draft for factual grounding, tone and responsiveness
// before it may be sent.
func (s *Service) Validate(ctx context.Context, draft, subject, body, intentPrompt string) (ValidateResult, error) {
	system := "You review a drafted email reply before sending. Check that it answers the email, " +
		"stays professional, invents no facts and follows the instructions. " +
		"Respond with JSON: {\"valid\": bool, \"reason\": \"<why, when invalid>\"}."
	if intentPrompt != "" {
		system += "\n\nInstructions the draft must follow:\n" + intentPrompt
	}

	user := fmt.Sprintf("Original email:\nSubject: %s\nBody: %s\n\nDraft reply:\n%s", subject, clip(body), draft)

	content, tokens, err := s.client.complete(ctx, system, user, 0.2, 300, true)
	if err != nil {
		return ValidateResult{TokensUsed: tokens}, err
	}

	var parsed struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &parsed); err != nil {
		return ValidateResult{TokensUsed: tokens}, fmt.Errorf("%w: parse validation: %v", ErrBadRequest, err)
	}
	return ValidateResult{Valid: parsed.Valid, Reason: parsed.Reason, TokensUsed: tokens}, nil
}

// ExtractLeadData pulls structured lead fields from an email.
func (s *Service) ExtractLeadData(ctx context.Context, subject, body, fromAddr, fromName string) (models.LeadExtract, int, error) {
	system := "You extract lead information from inbound emails. " +
		"Respond with JSON: {\"name\": str, \"company\": str, \"phone\": str, \"title\": str, " +
		"\"company_size\": str, \"industry\": str, \"interests\": [str], " +
		"\"requirements\": [str], \"confidence\": <0..1>}. " +
		"Leave fields empty when not stated in the email."

	sender := fromAddr
	if fromName != "" {
		sender = fmt.Sprintf("%s <%s>", fromName, fromAddr)
	}
	user := fmt.Sprintf("Email from %s:\nSubject: %s\nBody: %s", sender, subject, clip(body))

	content, tokens, err := s.client.complete(ctx, system, user, 0.2, 500, true)
	if err != nil {
		return models.LeadExtract{}, tokens, err
	}

	var extract models.LeadExtract
	if err := json.Unmarshal([]byte(stripFences(content)), &extract); err != nil {
		return models.LeadExtract{}, tokens, fmt.Errorf("%w: parse lead extract: %v", ErrBadRequest, err)
	}
	if extract.Confidence < 0 || extract.Confidence > 1 {
		extract.Confidence = 0
	}
	return extract, tokens, nil
}

// isRetryable reports whether the pipeline should retry the call.
func isRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func clip(body string) string {
	if len(body) > maxPromptBody {
		return body[:maxPromptBody] + "... [truncated]"
	}
	return body
}
