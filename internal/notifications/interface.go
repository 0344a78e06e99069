package notifications

import (
	"context"

	"github.com/azure/mentions-responder/internal/models"
)

// NotificationInterface defines the contract for notification services
type NotificationInterface interface {
	SendAlert(ctx context.Context, alert *models.Alert) error
	SendReport(ctx context.Context, report *models.Report) error
}
