// Package lead maintains inbound leads: stage transitions, deterministic
// scoring and structured extraction from emails.
package lead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

// ErrIllegalTransition is returned for automatic transitions that violate
// the stage graph. Manual transitions are permitted but recorded as
// anomalies.
var ErrIllegalTransition = errors.New("illegal lead stage transition")

// qualification thresholds for the automatic contacted → qualified rule.
const (
	qualifyScore          = 60
	qualifyEmailsReceived = 2
)

// extractor is the model call that pulls structured lead data from an
// email.
type extractor interface {
	ExtractLeadData(ctx context.Context, subject, body, fromAddr, fromName string) (models.LeadExtract, int, error)
}

type Service struct {
	leads  store.LeadStore
	llm    extractor
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(leads store.LeadStore, llm extractor, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		leads:  leads,
		llm:    llm,
		clock:  clk,
		logger: logger.With("component", "lead"),
	}
}

// allowedNext defines the legal automatic stage graph. converted and lost
// are reachable only through manual transitions.
var allowedNext = map[models.LeadStage]models.LeadStage{
	models.LeadNew:       models.LeadContacted,
	models.LeadContacted: models.LeadQualified,
	models.LeadQualified: models.LeadConverted,
}

// Score computes the deterministic lead score:
// data completeness (0-30), engagement (0-40), meeting bonus (+20) and
// extraction confidence (x10), capped at 100.
func Score(lead *models.InboundLead) int {
	fields := 0
	if lead.Extract.Name != "" {
		fields++
	}
	if lead.Extract.Company != "" {
		fields++
	}
	if lead.Extract.Phone != "" {
		fields++
	}
	if lead.Extract.Title != "" {
		fields++
	}
	if lead.Extract.CompanySize != "" {
		fields++
	}
	if lead.Extract.Industry != "" {
		fields++
	}
	if len(lead.Extract.Interests) > 0 {
		fields++
	}
	completeness := fields * 30 / 7

	engagement := (lead.EmailsReceived + lead.EmailsSent) * 5
	if engagement > 40 {
		engagement = 40
	}

	score := completeness + engagement
	if lead.MeetingScheduled {
		score += 20
	}
	score += int(lead.Extract.Confidence * 10)

	if score > 100 {
		score = 100
	}
	return score
}

func priorityFor(score int) string {
	switch {
	case score >= 70:
		return "high"
	case score >= 40:
		return "medium"
	default:
		return "low"
	}
}

// RecordInbound updates (or creates) the lead for an inbound email whose
// intent is flagged as a lead intent. It returns the LLM tokens spent on
// extraction.
func (s *Service) RecordInbound(ctx context.Context, userID int64, email *models.Email) (int, error) {
	lead, created, err := s.getOrCreate(ctx, userID, email.FromAddr)
	if err != nil {
		return 0, err
	}
	if lead.Stage.Terminal() {
		s.appendActivity(lead, "email_received", "inbound email on terminal lead", nil, "system")
		return 0, s.leads.UpdateLead(ctx, lead)
	}

	tokens := 0
	extract, used, err := s.llm.ExtractLeadData(ctx, email.Subject, email.Body, email.FromAddr, email.FromName)
	tokens = used
	if err != nil || extract.Confidence < 0.5 {
		if err != nil {
			s.logger.Warn("lead extraction failed, using deterministic fallback",
				"user_id", userID, "sender", email.FromAddr, "error", err)
		}
		extract = fallbackExtract(email)
	}
	mergeExtract(&lead.Extract, extract)

	lead.EmailsReceived++
	s.rescore(lead)
	s.appendActivity(lead, "email_received", "inbound email from lead", map[string]interface{}{
		"email_id": email.ID,
		"subject":  email.Subject,
	}, "system")
	if created {
		s.appendActivity(lead, "lead_created", "lead created from inbound email", nil, "system")
	}
	s.autoTransition(lead)

	return tokens, s.leads.UpdateLead(ctx, lead)
}

// RecordActivity appends an activity entry to an existing lead for this
// sender, if any. Used for emails whose intent is not a lead intent.
func (s *Service) RecordActivity(ctx context.Context, userID int64, sender, activityType, description string) error {
	lead, err := s.leads.GetActiveLeadBySender(ctx, userID, sender)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.appendActivity(lead, activityType, description, nil, "system")
	return s.leads.UpdateLead(ctx, lead)
}

// RecordOutbound counts an auto-sent reply against the lead and applies the
// new → contacted rule.
func (s *Service) RecordOutbound(ctx context.Context, userID int64, sender string) error {
	lead, err := s.leads.GetActiveLeadBySender(ctx, userID, sender)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if lead.Stage.Terminal() {
		return nil
	}

	lead.EmailsSent++
	s.rescore(lead)
	s.appendActivity(lead, "email_sent", "automated reply sent to lead", nil, "system")
	s.autoTransition(lead)

	return s.leads.UpdateLead(ctx, lead)
}

// RecordMeetingScheduled marks the lead's meeting bonus when an event was
// created from their email.
func (s *Service) RecordMeetingScheduled(ctx context.Context, userID int64, sender string) error {
	lead, err := s.leads.GetActiveLeadBySender(ctx, userID, sender)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if lead.MeetingScheduled || lead.Stage.Terminal() {
		return nil
	}

	lead.MeetingScheduled = true
	s.rescore(lead)
	s.appendActivity(lead, "meeting_scheduled", "calendar event created from lead email", nil, "system")
	s.autoTransition(lead)

	return s.leads.UpdateLead(ctx, lead)
}

// Transition moves a lead to a new stage. Automatic transitions must follow
// the stage graph; manual ones may violate it but are recorded as anomalies
// and logged. Terminal stages are frozen for automatic transitions, and
// converted/lost are reachable only manually.
func (s *Service) Transition(ctx context.Context, lead *models.InboundLead, to models.LeadStage, reason, performedBy string, manual bool) error {
	from := lead.Stage
	if from == to {
		return nil
	}

	legal := allowedNext[from] == to && to != models.LeadConverted && to != models.LeadLost
	if manual {
		// Manual operators may move anywhere, including converted/lost.
		legal = !from.Terminal() && (allowedNext[from] == to || to == models.LeadConverted || to == models.LeadLost)
	}

	anomaly := false
	if !legal {
		if !manual {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		anomaly = true
		s.logger.Warn("StateMachineViolation: manual transition outside stage graph",
			"lead_id", lead.ID, "from", from, "to", to, "performed_by", performedBy)
	}

	now := s.clock.Now()
	lead.Stage = to
	lead.StageHistory = append(lead.StageHistory, models.StageChange{
		From:    from,
		To:      to,
		At:      now,
		Reason:  reason,
		Anomaly: anomaly,
	})
	s.appendActivity(lead, "stage_change", fmt.Sprintf("stage %s -> %s", from, to), map[string]interface{}{
		"reason": reason,
	}, performedBy)

	switch to {
	case models.LeadConverted:
		lead.ConvertedAt = &now
		lead.Active = false
	case models.LeadLost:
		lead.LostReason = reason
		lead.Active = false
	}

	return s.leads.UpdateLead(ctx, lead)
}

func (s *Service) getOrCreate(ctx context.Context, userID int64, sender string) (*models.InboundLead, bool, error) {
	lead, err := s.leads.GetActiveLeadBySender(ctx, userID, sender)
	if err == nil {
		return lead, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	lead = &models.InboundLead{
		UserID:      userID,
		SenderEmail: sender,
		Stage:       models.LeadNew,
	}
	if err := s.leads.CreateLead(ctx, lead); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race to a concurrent insert; use the winner.
			lead, err = s.leads.GetActiveLeadBySender(ctx, userID, sender)
			return lead, false, err
		}
		return nil, false, err
	}
	return lead, true, nil
}

// autoTransition applies the automatic stage rules in order, so a single
// update can advance through more than one stage.
func (s *Service) autoTransition(lead *models.InboundLead) {
	if lead.Stage == models.LeadNew && lead.EmailsSent >= 1 {
		s.applyAuto(lead, models.LeadContacted, "first reply sent")
	}
	if lead.Stage == models.LeadContacted && lead.Score >= qualifyScore && lead.EmailsReceived >= qualifyEmailsReceived {
		s.applyAuto(lead, models.LeadQualified, fmt.Sprintf("score %d with %d emails received", lead.Score, lead.EmailsReceived))
	}
}

func (s *Service) applyAuto(lead *models.InboundLead, to models.LeadStage, reason string) {
	from := lead.Stage
	lead.Stage = to
	lead.StageHistory = append(lead.StageHistory, models.StageChange{
		From:   from,
		To:     to,
		At:     s.clock.Now(),
		Reason: reason,
	})
	s.appendActivity(lead, "stage_change", fmt.Sprintf("stage %s -> %s", from, to), map[string]interface{}{
		"reason": reason,
	}, "system")
}

func (s *Service) rescore(lead *models.InboundLead) {
	lead.Score = Score(lead)
	lead.Priority = priorityFor(lead.Score)
}

func (s *Service) appendActivity(lead *models.InboundLead, activityType, description string, details map[string]interface{}, performedBy string) {
	lead.Activities = append(lead.Activities, models.LeadActivity{
		Timestamp:    s.clock.Now(),
		ActivityType: activityType,
		Description:  description,
		Details:      details,
		PerformedBy:  performedBy,
	})
}

// mergeExtract fills empty fields of dst from src and keeps the higher
// confidence.
func mergeExtract(dst *models.LeadExtract, src models.LeadExtract) {
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.Company == "" {
		dst.Company = src.Company
	}
	if dst.Phone == "" {
		dst.Phone = src.Phone
	}
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.CompanySize == "" {
		dst.CompanySize = src.CompanySize
	}
	if dst.Industry == "" {
		dst.Industry = src.Industry
	}
	if len(dst.Interests) == 0 {
		dst.Interests = src.Interests
	}
	if len(dst.Requirements) == 0 {
		dst.Requirements = src.Requirements
	}
	if src.Confidence > dst.Confidence {
		dst.Confidence = src.Confidence
	}
}
