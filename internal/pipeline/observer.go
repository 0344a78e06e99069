package pipeline

import "github.com/azure/mentions-responder/internal/models"

// Observer receives pipeline events for metrics
type Observer interface {
	Transition(from, to models.State)
	AdapterFailure(adapter string, permanent bool)
	NotificationFailure()
	Frozen(origin models.State)
	Published()
}

type nopObserver struct{}

func (nopObserver) Transition(models.State, models.State) {}
func (nopObserver) AdapterFailure(string, bool)           {}
func (nopObserver) NotificationFailure()                  {}
func (nopObserver) Frozen(models.State)                   {}
func (nopObserver) Published()                            {}
