package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/classifier"
	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/dedup"
	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/monitoring"
	"github.com/azure/mentions-responder/internal/notifications"
	"github.com/azure/mentions-responder/internal/pipeline"
	"github.com/azure/mentions-responder/internal/sources"
	"github.com/azure/mentions-responder/internal/storage"
)

const dryRunDatabase = "sqlite://test_output/dry-run.db"

// SampleFetcher returns canned comments when no forum credentials are set
type SampleFetcher struct{}

func (SampleFetcher) FetchRecent(_ context.Context, locations, terms []string, since time.Time) ([]models.RawItem, error) {
	term := terms[0]
	location := "smallbusiness"
	if len(locations) > 0 {
		location = locations[0]
	}

	bodies := map[string]string{
		"sample1": fmt.Sprintf("%s support was terrible, nobody answered my ticket for a week", term),
		"sample2": fmt.Sprintf("Switched our invoicing to %s last month and it works great", term),
		"sample3": fmt.Sprintf("Has anyone compared %s with the alternatives?", term),
	}

	var items []models.RawItem
	for id, body := range bodies {
		items = append(items, models.RawItem{
			Identity:    models.Identity{Platform: "reddit", ItemID: id},
			Location:    "r/" + location,
			Author:      "sample_user",
			Body:        body,
			CreatedAt:   since.Add(time.Hour),
			Permalink:   fmt.Sprintf("https://www.reddit.com/r/%s/comments/sample/%s/", location, id),
			MatchedTerm: term,
		})
	}
	return items, nil
}

func main() {
	fmt.Println("🧪 Mentions Responder - Local Dry Run")
	fmt.Println("============================================")

	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = []string{"Acme"}
	}
	if !strings.HasPrefix(cfg.DatabaseURL, "sqlite://") {
		cfg.DatabaseURL = dryRunDatabase
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logrus.SetLevel(logrus.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open mention store: %v", err)
	}
	defer store.Close()

	var fetcher sources.Fetcher = SampleFetcher{}
	reddit := sources.NewRedditSourceFromConfig(cfg)
	if reddit.IsEnabled() {
		fetcher = reddit
		fmt.Printf("📡 Fetching from r/%s\n", strings.Join(cfg.Subreddits, ", r/"))
	} else {
		fmt.Println("📡 Reddit credentials not set, using sample comments")
	}

	c := classifier.New(cfg)
	fmt.Printf("🧠 Classifier: %s\n", c.GetName())

	notifier := notifications.NewConsoleService(os.Stdout)
	publisher := sources.NewDryRunPublisher()
	engine := pipeline.NewEngine(cfg, store, c, notifier, publisher)
	service := monitoring.NewService(cfg, store, dedup.NewIndex(store, cfg.DedupCacheTTL), fetcher, engine, notifier)

	fmt.Println("🔍 Running one cycle...")
	result, err := service.RunCycle(ctx)
	if err != nil {
		log.Fatalf("Cycle failed: %v", err)
	}

	fmt.Printf("\n📊 Fetched %d, new %d, already seen %d, resumed %d, errors %d\n",
		result.Fetched, result.Created, result.Duplicates, result.Resumed, result.Errors)

	mentions, err := store.Query(ctx, models.Filter{Limit: 20})
	if err != nil {
		log.Fatalf("Failed to list mentions: %v", err)
	}

	fmt.Println("\n📝 Mentions:")
	for _, m := range mentions {
		fmt.Printf("   • %-20s %-18s %-9s %s\n", m.Identity, m.State, m.Sentiment, truncate(m.Body, 60))
		if m.LastError != "" {
			fmt.Printf("     ⚠️  %s\n", m.LastError)
		}
	}

	fmt.Println("\n✅ Dry run completed! Nothing was posted.")
	fmt.Printf("💡 State is kept in %s, rerun to see duplicates dropped.\n", cfg.DatabaseURL)
}

func truncate(s string, length int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= length {
		return s
	}
	return string([]rune(s)[:length]) + "..."
}
