package notify

import (
	"context"

	"github.com/credkeeper/core/internal/obs"
)

// LogNotifier writes every event to a structured logger. It supports every
// Kind; it's the default always-on notifier that every embedding
// application wires up even when no webhook/pager is configured.
type LogNotifier struct {
	Logger obs.Logger
}

// NewLogNotifier constructs a LogNotifier, defaulting to a no-op logger.
func NewLogNotifier(logger obs.Logger) *LogNotifier {
	if logger == nil {
		logger = obs.NopLogger{}
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) SupportsKind(Kind) bool { return true }

func (n *LogNotifier) Send(_ context.Context, event Event) error {
	fields := obs.Fields{
		"event_kind":    string(event.Kind),
		"credential_id": event.CredentialID,
		"scope_id":      event.ScopeID,
	}
	if event.TransactionID != "" {
		fields["transaction_id"] = event.TransactionID
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	switch event.Kind {
	case RotationFailed, ValidationFailed:
		fields["reason"] = event.Reason
		n.Logger.Error("rotation event", fields)
	default:
		n.Logger.Info("rotation event", fields)
	}
	return nil
}
