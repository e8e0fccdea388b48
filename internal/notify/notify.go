package notify

import "fmt"

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title         string
	Message       string
	Type          NotificationType
	QueueID       string // Optional queue reference
	NegotiationID string // Optional negotiation reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// QueueFinished builds the notification for a queue that reached a
// terminal state. Status is the queue's final status string.
func QueueFinished(queueID, negotiationID, status string, completed, failed, total int) Notification {
	n := Notification{
		QueueID:       queueID,
		NegotiationID: negotiationID,
		Message:       fmt.Sprintf("%d/%d runs completed, %d failed", completed, total, failed),
	}

	switch status {
	case "failed":
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Queue %s failed", queueID)
	case "stopped":
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("Queue %s stopped", queueID)
	default:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("Queue %s completed", queueID)
	}

	return n
}

// BatchStarted builds the notification for a scheduled batch whose queue
// was just expanded and put into dispatch rotation
func BatchStarted(batch, queueID, negotiationID string, simulations int) Notification {
	return Notification{
		Type:          NotifyInfo,
		Title:         fmt.Sprintf("Batch %s started", batch),
		Message:       fmt.Sprintf("queue %s queued with %d simulations", queueID, simulations),
		QueueID:       queueID,
		NegotiationID: negotiationID,
	}
}

// BatchFailed builds the notification for a scheduled batch whose start
// attempt did not produce a queue
func BatchFailed(batch, negotiationID string, err error) Notification {
	return Notification{
		Type:          NotifyError,
		Title:         fmt.Sprintf("Batch %s failed", batch),
		Message:       err.Error(),
		NegotiationID: negotiationID,
	}
}
