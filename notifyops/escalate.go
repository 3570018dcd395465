package notifyops

import (
	"context"

	"github.com/w3f/challenger/apperror"
)

// Escalator turns an apperror.Kind into an Alert and hands it to a
// Notifier. It satisfies adapter.Ops and any other component's narrow
// escalation interface without those packages importing notifyops
// directly beyond this one type.
type Escalator struct {
	notifier Notifier
}

func NewEscalator(notifier Notifier) *Escalator {
	if notifier == nil {
		notifier = NilNotifier{}
	}
	return &Escalator{notifier: notifier}
}

// Escalate sends an alert for kind if it is one operators should see
// (AdapterFatal, PersistenceConflict); every other kind is a no-op, since
// those are either expected client-facing errors or already retried
// transiently by the caller.
func (e *Escalator) Escalate(ctx context.Context, kind apperror.Kind, source, message string, fields map[string]any) {
	var sev Severity
	switch kind {
	case apperror.AdapterFatal, apperror.PersistenceConflict:
		sev = Critical
	default:
		return
	}
	_ = e.notifier.Send(ctx, Alert{
		Severity: sev,
		Source:   source,
		Message:  message,
		Fields:   fields,
	})
}
