package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/velmik/coldsend/internal/campaign"
	"github.com/velmik/coldsend/internal/dispatch"
	"github.com/velmik/coldsend/internal/smtp"
	"github.com/velmik/coldsend/internal/template"
)

// CreateCampaignRequest is the request body for POST /api/campaigns
type CreateCampaignRequest struct {
	Name      string     `json:"name"`
	Subject   string     `json:"subject"`
	FromEmail string     `json:"from_email,omitempty"`
	FromName  string     `json:"from_name,omitempty"`
	Scheduled *time.Time `json:"scheduled_at,omitempty"`
}

// Recipient is one addressee in a send request.
type Recipient struct {
	Email     string            `json:"email"`
	ContactID string            `json:"contact_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// SendRequest is the request body for POST /api/campaigns/{id}/send
type SendRequest struct {
	Template    template.Template `json:"template"`
	Recipients  []Recipient       `json:"recipients"`
	RatePerHour int               `json:"rate_per_hour,omitempty"`
}

// SendResponse is the response for POST /api/campaigns/{id}/send
type SendResponse struct {
	RunID            string `json:"run_id"`
	CampaignID       string `json:"campaign_id"`
	Status           string `json:"status"`
	TotalRecipients  int    `json:"total_recipients"`
	Suppressed       int    `json:"suppressed"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

// ProgressResponse is the response for GET /api/campaigns/{id}/progress
type ProgressResponse struct {
	Campaign        campaign.Campaign `json:"campaign"`
	RunState        string            `json:"run_state"`
	ProgressPercent float64           `json:"progress_percent"`
	OpenRate        float64           `json:"open_rate"`
	ClickRate       float64           `json:"click_rate"`
	ReplyRate       float64           `json:"reply_rate"`
	BounceRate      float64           `json:"bounce_rate"`
}

// EventRequest is the request body for POST /api/campaigns/{id}/events
type EventRequest struct {
	Type string `json:"type"` // open, click, reply, bounce
}

// PreviewRequest is the request body for POST /api/templates/preview
type PreviewRequest struct {
	Template template.Template `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

// PreviewResponse is the response for POST /api/templates/preview
type PreviewResponse struct {
	Subject   string   `json:"subject"`
	HTML      string   `json:"html,omitempty"`
	Text      string   `json:"text,omitempty"`
	Variables []string `json:"variables"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	ActiveRuns int    `json:"active_runs"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateCampaign handles POST /api/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Subject == "" {
		s.sendError(w, http.StatusBadRequest, "subject is required")
		return
	}

	c := campaign.New(req.Name, req.Subject)
	c.FromEmail = req.FromEmail
	c.FromName = req.FromName
	if req.Scheduled != nil {
		c.Status = campaign.StatusScheduled
		c.ScheduledAt = req.Scheduled
	}

	if err := s.store.Save(c); err != nil {
		s.logger.Error("failed to save campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save campaign")
		return
	}

	s.logger.Info("campaign created", "id", c.ID, "name", c.Name)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.List()
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*campaign.Campaign{}
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

// handleGetCampaign handles GET /api/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c := s.getCampaign(w, r)
	if c == nil {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleSend handles POST /api/campaigns/{id}/send. It validates the
// template and recipients, drops suppressed addresses, verifies the relay
// connection up front, then launches the paced delivery run in the
// background and returns 202.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	c := s.getCampaign(w, r)
	if c == nil {
		return
	}

	if s.lookupRun(c.ID) != nil {
		s.sendError(w, http.StatusConflict, "Campaign already has a run in progress")
		return
	}
	if !c.CanLaunch() {
		s.sendError(w, http.StatusConflict, fmt.Sprintf("Campaign in status %s cannot be sent", c.Status))
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Template.Subject == "" {
		req.Template.Subject = c.Subject
	}
	if err := req.Template.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	for _, rcpt := range req.Recipients {
		if _, err := mail.ParseAddress(rcpt.Email); err != nil {
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid recipient address %q", rcpt.Email))
			return
		}
	}

	msgs, suppressed, err := s.buildQueue(c, &req)
	if err != nil {
		s.logger.Error("failed to build message queue", "campaign", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to build message queue")
		return
	}
	if len(msgs) == 0 {
		s.sendError(w, http.StatusUnprocessableEntity, "All recipients are on the suppression list")
		return
	}

	// Verify the relay before committing to the run: a bad host or
	// password must fail the request, not every message in it.
	transport, err := s.connect(r.Context(), s.cfg.SMTP, s.logger)
	if err != nil {
		s.logger.Error("relay connection failed", "campaign", c.ID, "error", err)
		if smtp.IsConnectionError(err) {
			s.sendError(w, http.StatusBadGateway, fmt.Sprintf("SMTP connection failed: %v", err))
		} else {
			s.sendError(w, http.StatusInternalServerError, "Failed to connect to SMTP relay")
		}
		return
	}

	engineCfg := dispatch.Config{
		RatePerHour: s.cfg.Send.RatePerHour,
		MaxAttempts: s.cfg.Send.MaxAttempts,
		BackoffBase: s.cfg.Send.BackoffBase,
	}
	if req.RatePerHour > 0 {
		engineCfg.RatePerHour = req.RatePerHour
	}
	engine := dispatch.NewEngine(transport, engineCfg, s.logger)

	tracker := campaign.NewTracker(c)
	tracker.Begin(len(msgs))
	s.saveSnapshot(tracker)

	run := engine.Start(s.baseCtx, msgs, func(done, total int) {
		tracker.UpdateProgress(done, total)
		s.saveSnapshot(tracker)
	})

	if !s.registerRun(c.ID, &activeRun{run: run, tracker: tracker}) {
		// Lost the race to a concurrent send request.
		run.Cancel()
		transport.Close()
		s.sendError(w, http.StatusConflict, "Campaign already has a run in progress")
		return
	}

	s.metrics.RunsActive.Inc()
	go s.supervise(c.ID, run, tracker, transport)

	s.logger.Info("run launched",
		"campaign", c.ID,
		"run", run.ID,
		"recipients", len(msgs),
		"suppressed", suppressed,
		"rate_per_hour", engineCfg.RatePerHour,
	)

	estimated := 0
	if len(msgs) > 1 {
		estimated = int(time.Duration(len(msgs)-1) * engine.Pacing() / time.Second)
	}

	s.sendJSON(w, http.StatusAccepted, SendResponse{
		RunID:            run.ID,
		CampaignID:       c.ID,
		Status:           string(campaign.StatusActive),
		TotalRecipients:  len(msgs),
		Suppressed:       suppressed,
		EstimatedSeconds: estimated,
	})
}

// buildQueue personalizes the template for every non-suppressed recipient.
// The compliance footer goes on after personalization so the unsubscribe
// link survives rendering.
func (s *Server) buildQueue(c *campaign.Campaign, req *SendRequest) ([]*dispatch.Message, int, error) {
	msgs := make([]*dispatch.Message, 0, len(req.Recipients))
	suppressed := 0

	for _, rcpt := range req.Recipients {
		gone, err := s.store.IsUnsubscribed(rcpt.Email)
		if err != nil {
			return nil, 0, err
		}
		if gone {
			suppressed++
			s.metrics.RecipientsSuppressedTotal.Inc()
			continue
		}

		rendered := req.Template.Render(rcpt.Data)
		if rendered.HTML != "" {
			rendered.HTML = template.AddComplianceFooter(rendered.HTML, s.cfg.API.BaseURL, c.ID, rcpt.Email)
		}

		msgs = append(msgs, &dispatch.Message{
			ID:        uuid.New().String(),
			ContactID: rcpt.ContactID,
			To:        rcpt.Email,
			Subject:   rendered.Subject,
			HTML:      rendered.HTML,
			Text:      rendered.Text,
		})
	}

	return msgs, suppressed, nil
}

// supervise waits out one run, persists its outcomes and releases the
// transport. Every launched run has exactly one supervisor.
func (s *Server) supervise(campaignID string, run *dispatch.Run, tracker *campaign.Tracker, transport Transport) {
	defer transport.Close()
	defer s.unregisterRun(campaignID)
	defer s.metrics.RunsActive.Dec()

	started := time.Now()
	summary, _ := run.Wait(context.Background())
	s.metrics.RunDurationSeconds.Observe(time.Since(started).Seconds())

	s.metrics.EmailsSentTotal.Add(float64(summary.Sent))
	s.metrics.EmailsFailedTotal.Add(float64(summary.Failed))
	for _, outcome := range summary.Results {
		if outcome.Attempts > 1 {
			s.metrics.SendRetriesTotal.Add(float64(outcome.Attempts - 1))
		}
	}

	if err := s.store.SaveOutcomes(campaignID, summary.Results); err != nil {
		s.logger.Error("failed to save run outcomes", "campaign", campaignID, "error", err)
	}

	tracker.Finalize(summary.Sent, summary.Failed, time.Now())
	s.saveSnapshot(tracker)

	s.logger.Info("run finished",
		"campaign", campaignID,
		"run", run.ID,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
	)
}

// handleCancel handles POST /api/campaigns/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ar := s.lookupRun(id)
	if ar == nil {
		s.sendError(w, http.StatusNotFound, "No run in progress for this campaign")
		return
	}

	ar.run.Cancel()
	s.logger.Info("run cancellation requested", "campaign", id, "run", ar.run.ID)

	s.sendJSON(w, http.StatusAccepted, map[string]string{
		"run_id": ar.run.ID,
		"status": "cancelling",
	})
}

// handleProgress handles GET /api/campaigns/{id}/progress. While a run is
// active it reads the live tracker; afterwards the stored record.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var c campaign.Campaign
	runState := string(dispatch.RunIdle)

	if ar := s.lookupRun(id); ar != nil {
		c = ar.tracker.Snapshot()
		runState = string(ar.run.State())
	} else {
		stored, err := s.store.Get(id)
		if err != nil {
			s.logger.Error("failed to get campaign", "id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
			return
		}
		if stored == nil {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		c = *stored
	}

	s.sendJSON(w, http.StatusOK, ProgressResponse{
		Campaign:        c,
		RunState:        runState,
		ProgressPercent: campaign.Rate(c.SentCount, c.TotalRecipients),
		OpenRate:        campaign.Rate(c.OpenedCount, c.SentCount),
		ClickRate:       campaign.Rate(c.ClickedCount, c.SentCount),
		ReplyRate:       campaign.Rate(c.RepliedCount, c.SentCount),
		BounceRate:      campaign.Rate(c.BouncedCount, c.TotalRecipients),
	})
}

// handleResults handles GET /api/campaigns/{id}/results
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	c := s.getCampaign(w, r)
	if c == nil {
		return
	}

	results, err := s.store.Outcomes(c.ID)
	if err != nil {
		s.logger.Error("failed to load outcomes", "campaign", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load results")
		return
	}
	if results == nil {
		results = []dispatch.Outcome{}
	}
	s.sendJSON(w, http.StatusOK, results)
}

// handleEvent handles POST /api/campaigns/{id}/events, ingesting open,
// click, reply and bounce notifications from tracking webhooks.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Events for an active run go through its tracker; late events update
	// the stored record directly.
	if ar := s.lookupRun(id); ar != nil {
		switch req.Type {
		case "open":
			ar.tracker.RecordOpen()
		case "click":
			ar.tracker.RecordClick()
		case "reply":
			ar.tracker.RecordReply()
		case "bounce":
			ar.tracker.RecordBounce()
		default:
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", req.Type))
			return
		}
		s.saveSnapshot(ar.tracker)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	c, err := s.store.Get(id)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return
	}

	switch req.Type {
	case "open":
		if c.OpenedCount < c.SentCount {
			c.OpenedCount++
		}
	case "click":
		if c.ClickedCount < c.SentCount {
			c.ClickedCount++
		}
	case "reply":
		if c.RepliedCount < c.SentCount {
			c.RepliedCount++
		}
	case "bounce":
		if c.BouncedCount < c.SentCount {
			c.BouncedCount++
		}
	default:
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", req.Type))
		return
	}
	c.UpdatedAt = time.Now()

	if err := s.store.Save(c); err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to save campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePreview handles POST /api/templates/preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := req.Template.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	rendered := req.Template.Render(req.Data)

	s.sendJSON(w, http.StatusOK, PreviewResponse{
		Subject:   rendered.Subject,
		HTML:      rendered.HTML,
		Text:      rendered.Text,
		Variables: req.Template.DetectedVariables(),
	})
}

// handleUnsubscribe handles GET /unsubscribe?campaign=...&email=...
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	campaignID := r.URL.Query().Get("campaign")

	if _, err := mail.ParseAddress(email); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	if err := s.store.Unsubscribe(email, campaignID); err != nil {
		s.logger.Error("failed to record unsubscribe", "email", email, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to process unsubscribe")
		return
	}

	s.logger.Info("recipient unsubscribed", "email", email, "campaign", campaignID)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<html><body><p>You have been unsubscribed and will not receive further emails from us.</p></body></html>")
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := len(s.runs)
	s.mu.Unlock()

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    "0.1.0",
		Uptime:     time.Since(s.startTime).String(),
		ActiveRuns: active,
	})
}

// getCampaign loads the campaign from the {id} URL param, writing the
// error response itself when missing.
func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) *campaign.Campaign {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return nil
	}

	c, err := s.store.Get(id)
	if err != nil {
		s.logger.Error("failed to get campaign", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return nil
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil
	}
	return c
}

// saveSnapshot persists the tracker's current view of the campaign.
func (s *Server) saveSnapshot(tracker *campaign.Tracker) {
	snap := tracker.Snapshot()
	if err := s.store.Save(&snap); err != nil {
		s.logger.Error("failed to persist campaign progress", "id", snap.ID, "error", err)
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends a JSON error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
