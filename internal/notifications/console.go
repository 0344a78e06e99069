package notifications

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/azure/mentions-responder/internal/models"
)

// ConsoleService writes notifications to a terminal instead of sending them
type ConsoleService struct {
	out io.Writer
}

// Ensure ConsoleService implements NotificationInterface
var _ NotificationInterface = (*ConsoleService)(nil)

func NewConsoleService(out io.Writer) *ConsoleService {
	return &ConsoleService{out: out}
}

func (c *ConsoleService) SendAlert(_ context.Context, alert *models.Alert) error {
	fmt.Fprintln(c.out, "\n"+strings.Repeat("=", 70))
	fmt.Fprintf(c.out, "🚨 %s\n", alert.Subject)
	fmt.Fprintln(c.out, strings.Repeat("=", 70))
	fmt.Fprint(c.out, alert.TextBody)
	return nil
}

func (c *ConsoleService) SendReport(_ context.Context, report *models.Report) error {
	fmt.Fprint(c.out, "\n"+strings.Repeat("=", 70)+"\n")
	fmt.Fprint(c.out, buildReportText(report))
	return nil
}
