package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/azure/mentions-responder/internal/classifier"
	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/sources"
)

const sampleText = "Acme support was terrible, still waiting on a refund after three weeks"

func main() {
	fmt.Println("🔍 Mentions Responder - API Connectivity Test")
	fmt.Println("==========================================")

	// Load configuration
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println("\n📡 Testing forum API...")
	fmt.Println(strings.Repeat("-", 40))
	testSource(ctx, sources.NewRedditSourceFromConfig(cfg), cfg)

	fmt.Println("\n🧠 Testing classifier...")
	fmt.Println(strings.Repeat("-", 40))
	testClassifier(ctx, classifier.New(cfg))

	fmt.Println("\n✅ API connectivity test completed!")
	fmt.Println("\n💡 Next steps:")
	fmt.Println("   • Configure missing credentials in .env file")
	fmt.Println("   • Try a local cycle with: go run ./cmd/dry-run")
	fmt.Println("   • Run the service with: go run ./cmd/bot")
}

func testSource(ctx context.Context, source *sources.RedditSource, cfg *config.Config) {
	fmt.Printf("🔸 Testing %s... ", source.GetName())

	if !source.IsEnabled() {
		fmt.Printf("⚠️  DISABLED (missing REDDIT_CLIENT_ID/REDDIT_CLIENT_SECRET)\n")
		return
	}

	if err := source.Authenticate(ctx); err != nil {
		fmt.Printf("❌ AUTH ERROR: %v\n", err)
		return
	}
	if source.CanPost() {
		fmt.Print("(can post replies) ")
	} else {
		fmt.Print("(read only) ")
	}

	items, err := source.FetchRecent(ctx, cfg.Subreddits, cfg.Keywords, time.Now().Add(-cfg.LookbackWindow))
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		return
	}

	fmt.Printf("✅ SUCCESS (%d mentions found in r/%s)\n", len(items), strings.Join(cfg.Subreddits, ", r/"))

	// Show sample mentions
	if len(items) > 0 {
		fmt.Printf("   📝 Sample [%s]: \"%s\"\n", items[0].MatchedTerm, truncate(items[0].Body, 80))
	}
}

func testClassifier(ctx context.Context, c classifier.ClassifierInterface) {
	fmt.Printf("🔸 Testing %s... ", c.GetName())

	result, err := c.Classify(ctx, sampleText)
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		return
	}
	fmt.Printf("✅ %s (confidence %.2f)\n", result.Sentiment, result.Confidence)

	draft, err := c.Draft(ctx, classifier.DraftRequest{Text: sampleText, Sentiment: result.Sentiment, Location: "r/smallbusiness"})
	if err != nil {
		fmt.Printf("   ❌ Draft error: %v\n", err)
		return
	}
	fmt.Printf("   📝 Draft: \"%s\"\n", truncate(draft, 120))
}

func truncate(s string, length int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= length {
		return s
	}
	return string([]rune(s)[:length]) + "..."
}
