package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/monitoring"
	"github.com/azure/mentions-responder/internal/notifications"
	"github.com/azure/mentions-responder/internal/storage"
)

const outputDir = "test_output"

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open mention store: %v", err)
	}
	defer store.Close()

	// Reporting only reads the store
	service := monitoring.NewService(cfg, store, nil, nil, nil, nil)

	report, err := service.GenerateReport(ctx, time.Now().Add(-cfg.LookbackWindow))
	if err != nil {
		log.Fatalf("Failed to generate report: %v", err)
	}

	fmt.Println("\n" + strings.Repeat("=", 70))
	fmt.Printf("📊 MENTIONS REPORT (last %v)\n", cfg.LookbackWindow)
	fmt.Println(strings.Repeat("=", 70))
	if err := notifications.NewConsoleService(os.Stdout).SendReport(ctx, report); err != nil {
		log.Fatalf("Failed to print report: %v", err)
	}

	// Save to JSON file
	path, err := saveReportToFile(report)
	if err != nil {
		fmt.Printf("\n⚠️  Warning: Could not save to file: %v\n", err)
	} else {
		fmt.Printf("\n💾 Saved to %s\n", path)
	}
	fmt.Println(strings.Repeat("=", 70))
}

func saveReportToFile(report *models.Report) (string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", err
	}

	timestamp := report.GeneratedAt.Format("2006-01-02_15-04-05")
	filename := filepath.Join(outputDir, fmt.Sprintf("mentions_report_%s.json", timestamp))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return "", err
	}
	return filename, nil
}
