package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"claims_manager/internal/domain"
)

type NotificationType string

const (
	NotificationEmail NotificationType = "email"
	NotificationSMS   NotificationType = "sms"
	NotificationSlack NotificationType = "slack"
)

type NotificationService struct {
	emailService EmailService
	smsService   SMSService
	slackService SlackService
	messageQueue chan NotificationMessage
	workers      int
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	logger       *slog.Logger
}

type NotificationMessage struct {
	Type      NotificationType
	Recipient string
	Subject   string
	Message   string
	Priority  int
	Metadata  map[string]string
	CreatedAt time.Time
}

type EmailService interface {
	SendEmail(to, subject, body string) error
}

type SMSService interface {
	SendSMS(to, message string) error
}

type SlackService interface {
	SendMessage(channel, message string) error
}

func NewNotificationService(
	emailService EmailService,
	smsService SMSService,
	slackService SlackService,
	workers int,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default()
	}

	service := &NotificationService{
		emailService: emailService,
		smsService:   smsService,
		slackService: slackService,
		messageQueue: make(chan NotificationMessage, 1000),
		workers:      workers,
		shutdownChan: make(chan struct{}),
		logger:       logger,
	}

	service.startWorkers()

	return service
}

// NotifyStatusChange emails the claimant about the claim's new status.
// Delivery happens on the worker pool; failures are logged, never surfaced
// to the lifecycle that triggered them.
func (s *NotificationService) NotifyStatusChange(ctx context.Context, claim *domain.Claim) {
	var subject, message string

	switch claim.Status {
	case domain.StatusSubmitted:
		subject = "Claim Received"
		message = fmt.Sprintf("Your claim %s for %.2f has been received and is being processed.", claim.ClaimNumber, claim.RequestedAmount)
	case domain.StatusUnderReview:
		subject = "Claim Under Review"
		message = fmt.Sprintf("Your claim %s is being reviewed by an adjuster.", claim.ClaimNumber)
	case domain.StatusAIValidated:
		subject = "Claim Validated"
		message = fmt.Sprintf("Your claim %s passed automated checks with an estimate of %.2f.", claim.ClaimNumber, claim.ApprovedAmount)
	case domain.StatusAIRejected:
		subject = "Claim Flagged"
		message = fmt.Sprintf("Your claim %s was flagged by automated checks and will be reviewed manually.", claim.ClaimNumber)
	case domain.StatusApproved:
		subject = "Claim Approved"
		message = fmt.Sprintf("Your claim %s has been approved for %.2f. Payment is on its way.", claim.ClaimNumber, claim.ApprovedAmount)
	case domain.StatusPaid:
		subject = "Claim Paid"
		message = fmt.Sprintf("Your claim %s has been paid out (%.2f, ref %s).", claim.ClaimNumber, claim.ApprovedAmount, claim.SettlementRef)
	case domain.StatusRejected:
		subject = "Claim Rejected"
		message = fmt.Sprintf("Your claim %s has been rejected.", claim.ClaimNumber)
	default:
		subject = "Claim Update"
		message = fmt.Sprintf("Your claim %s is now %s.", claim.ClaimNumber, claim.Status)
	}

	notification := NotificationMessage{
		Type:      NotificationEmail,
		Recipient: claim.ClaimantID,
		Subject:   subject,
		Message:   message,
		Priority:  5,
		Metadata: map[string]string{
			"claim_id":     claim.ID,
			"claim_number": claim.ClaimNumber,
			"claim_status": string(claim.Status),
		},
		CreatedAt: time.Now(),
	}

	s.queue(ctx, notification)
}

// NotifyAlert fans an operational alert out to the operations channel and
// mailbox. Used for fraud flags, settlement failures and store/ledger
// divergence.
func (s *NotificationService) NotifyAlert(ctx context.Context, claim *domain.Claim, subject, message string) {
	body := fmt.Sprintf("Claim ID: %s\nClaim Number: %s\nStatus: %s\nAmount: %.2f\n\n%s",
		claim.ID, claim.ClaimNumber, claim.Status, claim.ApprovedAmount, message)

	notifications := []NotificationMessage{
		{
			Type:      NotificationSlack,
			Recipient: "#claims-ops",
			Subject:   subject,
			Message:   body,
			Priority:  10,
			Metadata: map[string]string{
				"claim_id":     claim.ID,
				"claim_number": claim.ClaimNumber,
			},
			CreatedAt: time.Now(),
		},
		{
			Type:      NotificationEmail,
			Recipient: "claims-ops@example.com",
			Subject:   fmt.Sprintf("%s - %s", subject, claim.ClaimNumber),
			Message:   body,
			Priority:  10,
			Metadata: map[string]string{
				"claim_id": claim.ID,
			},
			CreatedAt: time.Now(),
		},
	}

	for _, notification := range notifications {
		s.queue(ctx, notification)
	}
}

func (s *NotificationService) queue(ctx context.Context, msg NotificationMessage) {
	select {
	case s.messageQueue <- msg:
		s.logger.Info("Notification queued",
			slog.String("type", string(msg.Type)),
			slog.String("recipient", msg.Recipient),
			slog.String("subject", msg.Subject))
	case <-ctx.Done():
		s.logger.Warn("Notification dropped, context cancelled",
			slog.String("recipient", msg.Recipient),
			slog.String("subject", msg.Subject))
	}
}

func (s *NotificationService) startWorkers() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *NotificationService) worker(id int) {
	defer s.wg.Done()

	s.logger.Info("Notification worker started", slog.Int("worker_id", id))

	for {
		select {
		case msg := <-s.messageQueue:
			s.processNotification(msg, id)
		case <-s.shutdownChan:
			s.logger.Info("Notification worker stopping", slog.Int("worker_id", id))
			return
		}
	}
}

func (s *NotificationService) processNotification(msg NotificationMessage, workerID int) {
	startTime := time.Now()
	var err error

	switch msg.Type {
	case NotificationEmail:
		err = s.emailService.SendEmail(msg.Recipient, msg.Subject, msg.Message)
	case NotificationSMS:
		err = s.smsService.SendSMS(msg.Recipient, msg.Message)
	case NotificationSlack:
		err = s.slackService.SendMessage(msg.Recipient, msg.Message)
	default:
		err = fmt.Errorf("unknown notification type: %s", msg.Type)
	}

	duration := time.Since(startTime)

	if err != nil {
		s.logger.Error("Failed to send notification",
			slog.String("type", string(msg.Type)),
			slog.String("recipient", msg.Recipient),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
			slog.Duration("duration", duration))
	} else {
		s.logger.Info("Notification sent successfully",
			slog.String("type", string(msg.Type)),
			slog.String("recipient", msg.Recipient),
			slog.Int("worker_id", workerID),
			slog.Duration("duration", duration))
	}
}

func (s *NotificationService) Shutdown(ctx context.Context) error {
	close(s.shutdownChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Notification service shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type MockEmailService struct {
	mu         sync.Mutex
	SentEmails []struct {
		To      string
		Subject string
		Body    string
	}
}

func (m *MockEmailService) SendEmail(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentEmails = append(m.SentEmails, struct {
		To      string
		Subject string
		Body    string
	}{to, subject, body})
	return nil
}

type MockSMSService struct {
	mu      sync.Mutex
	SentSMS []struct {
		To      string
		Message string
	}
}

func (m *MockSMSService) SendSMS(to, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentSMS = append(m.SentSMS, struct {
		To      string
		Message string
	}{to, message})
	return nil
}

type MockSlackService struct {
	mu           sync.Mutex
	SentMessages []struct {
		Channel string
		Message string
	}
}

func (m *MockSlackService) SendMessage(channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, struct {
		Channel string
		Message string
	}{channel, message})
	return nil
}
