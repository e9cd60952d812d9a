// Command llm-check verifies that the model gateway can reach the
// configured provider before the server is deployed. It runs one
// small-tier classification round trip and prints the raw result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/config"
	"github.com/ngmhub/siteledger/internal/llm"
)

func main() {
	apiKey := flag.String("key", "", "API key (or set OPENAI_API_KEY)")
	configPath := flag.String("config", "configs/config.yaml", "Path to config.yaml")
	timeout := flag.Duration("timeout", 30*time.Second, "API call timeout")
	verbose := flag.Bool("verbose", false, "Verbose output")
	flag.Parse()

	_ = gotenv.Load()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *apiKey == "" {
		*apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "ERROR: OPENAI_API_KEY not set and no --key flag provided")
		fmt.Fprintln(os.Stderr, "Usage: llm-check --key sk-... [--config configs/config.yaml] [--timeout 30s]")
		os.Exit(1)
	}
	os.Setenv("OPENAI_API_KEY", *apiKey)
	if os.Getenv("AUTH_TOKEN_SECRET") == "" {
		// Not used by this check; Load validates it anyway.
		os.Setenv("AUTH_TOKEN_SECRET", "llm-check")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Model Gateway Connection Check ===")
	fmt.Println("Configuration:")
	fmt.Printf("  Config file: %s\n", *configPath)
	fmt.Printf("  Small model: %s\n", cfg.OpenAI.SmallModel)
	fmt.Printf("  API key length: %d chars\n", len(*apiKey))
	if len(*apiKey) >= 4 {
		fmt.Printf("  API key prefix: %s...\n", (*apiKey)[:4])
	}
	fmt.Printf("  Timeout: %v\n", *timeout)
	fmt.Println()

	gateway := llm.New(llm.Config{
		APIKey:        *apiKey,
		BaseURL:       cfg.OpenAI.BaseURL,
		SmallModel:    cfg.OpenAI.SmallModel,
		LargeModel:    cfg.OpenAI.LargeModel,
		VisionModel:   cfg.OpenAI.VisionModel,
		SmallTimeout:  *timeout,
		LargeTimeout:  cfg.OpenAI.LargeTimeout,
		SmallBucket:   cfg.OpenAI.SmallBucket,
		LargeBucket:   cfg.OpenAI.LargeBucket,
		BucketRefill:  cfg.OpenAI.BucketRefill,
		BucketMaxWait: cfg.OpenAI.BucketMaxWait,
	}, logger)
	fmt.Println("✓ Gateway initialized")

	system := "You classify construction expense lines into ledger accounts. " +
		"Answer with JSON: {\"account\": \"<name>\", \"confidence\": <0-100>}."
	user := "Line item: 50x 2x4x8 stud lumber from Home Depot, $312.50"

	fmt.Println("Test line item:")
	fmt.Printf("  %s\n\n", user)
	fmt.Println("Sending small-tier classification request...")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	result, err := gateway.ClassifySmall(ctx, system, user)
	elapsed := time.Since(start)

	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ ERROR: small-tier call failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		fmt.Fprintln(os.Stderr, "Possible causes:")
		fmt.Fprintln(os.Stderr, "  1. Invalid or expired OPENAI_API_KEY")
		fmt.Fprintln(os.Stderr, "  2. Network connectivity issue")
		fmt.Fprintln(os.Stderr, "  3. API quota exceeded")
		fmt.Fprintln(os.Stderr, "  4. Wrong base_url for the configured provider")
		os.Exit(1)
	}

	fmt.Println("✓ Received response")
	fmt.Printf("Round trip: %v (provider reported %dms, %d tokens)\n\n",
		elapsed, result.ElapsedMS, result.TotalTokens)

	fmt.Println("=== Raw Result ===")
	fmt.Println(string(result.Value))

	var parsed map[string]interface{}
	if err := json.Unmarshal(result.Value, &parsed); err == nil {
		pretty, _ := json.MarshalIndent(parsed, "", "  ")
		fmt.Println("\n=== Parsed ===")
		fmt.Println(string(pretty))
	} else {
		fmt.Println("\nWARNING: response is not valid JSON; extraction prompts may misbehave")
	}

	fmt.Println("\n✅ Gateway connection check PASSED")
}
