package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"google.golang.org/api/option"

	"github.com/zombor/receipt-insights/internal/llm"
	"github.com/zombor/receipt-insights/internal/prompts"
	"github.com/zombor/receipt-insights/internal/receipt"
	"github.com/zombor/receipt-insights/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const envPrefix = "RECEIPT_INSIGHTS"

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// The env file must be loaded before ff reads the environment
	envFile := envFileArg(os.Args[1:])
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("Failed to load env file", "path", envFile, "error", err)
		os.Exit(1)
	}

	flags := ff.NewFlagSet("receipt-insights")
	var (
		_                 = flags.StringLong("env-file", ".env", "Optional .env file loaded before flags are parsed")
		port              = flags.IntLong("port", 8080, "HTTP server port")
		dbPath            = flags.StringLong("db", "receipt-insights.db", "Run history database file path")
		outputPath        = flags.StringLong("output", "./output", "Artifact output root")
		modeName          = flags.StringLong("mode", string(receipt.ModeTest), "Artifact mode: 'live' or 'test'")
		promptsDir        = flags.StringLong("prompts-dir", "", "Directory of prompt template overrides (optional)")
		visionKey         = flags.StringLong("vision-key", "", "Google Cloud Vision API key")
		visionCredentials = flags.StringLong("vision-credentials", "", "Google Cloud service account JSON file for Vision")
		openAIKey         = flags.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openAIModel       = flags.StringLong("openai-model", "gpt-4", "OpenAI model name")
		geminiKey         = flags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel       = flags.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL         = flags.StringLong("ollama-url", "", "Ollama API base URL (optional, e.g. http://localhost:11434)")
		ollamaModel       = flags.StringLong("ollama-model", "llama3.1", "Ollama model name")
		defaultModel      = flags.StringLong("default-model", "", "Model choice new sessions start with (defaults to the first configured)")
		providerPassword  = flags.StringLong("provider-password", "", "Shared secret that unlocks the provider role")
		authUser          = flags.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass          = flags.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion       = flags.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix(envPrefix),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *providerPassword == "" {
		slog.Error("Provider password is required. Set --provider-password flag or " + envPrefix + "_PROVIDER_PASSWORD environment variable")
		os.Exit(1)
	}

	mode, err := receipt.ParseMode(*modeName)
	if err != nil {
		slog.Error("Invalid mode", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Initialize OCR
	var visionOpts []option.ClientOption
	switch {
	case *visionCredentials != "":
		visionOpts = append(visionOpts, option.WithCredentialsFile(*visionCredentials))
	case *visionKey != "":
		visionOpts = append(visionOpts, option.WithAPIKey(*visionKey))
	default:
		slog.Error("Vision credentials are required. Set --vision-key or --vision-credentials")
		os.Exit(1)
	}
	slog.Info("Initializing Vision scanner...")
	scanner, err := scanning.NewVision(ctx, visionOpts...)
	if err != nil {
		slog.Error("Failed to initialize Vision", "error", err)
		os.Exit(1)
	}
	defer scanner.Close()

	// Initialize model backends
	models := llm.NewSelector()
	defer models.Close()

	if key := firstNonEmpty(*openAIKey, os.Getenv("OPENAI_API_KEY")); key != "" {
		slog.Info("Initializing OpenAI backend...", "model", *openAIModel)
		backend, err := llm.NewOpenAI(llm.OpenAIConfig{APIKey: key, Timeout: 120 * time.Second})
		if err != nil {
			slog.Error("Failed to initialize OpenAI", "error", err)
			os.Exit(1)
		}
		models.Register(backend, *openAIModel)
	}

	if key := firstNonEmpty(*geminiKey, os.Getenv("GEMINI_API_KEY")); key != "" {
		slog.Info("Initializing Gemini backend...", "model", *geminiModel)
		backend, err := llm.NewGemini(ctx, key)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
		models.Register(backend, *geminiModel)
	}

	if *ollamaURL != "" {
		slog.Info("Initializing Ollama backend...", "url", *ollamaURL, "model", *ollamaModel)
		backend := llm.NewOllama(*ollamaURL)
		if err := backend.WaitReady(ctx, 5, 2*time.Second); err != nil {
			slog.Error("Ollama is not reachable", "url", *ollamaURL, "error", err)
			os.Exit(1)
		}
		models.Register(backend, *ollamaModel)
	}

	if len(models.Choices()) == 0 {
		slog.Error("At least one model backend is required. Set --openai-key, --gemini-key or --ollama-url")
		os.Exit(1)
	}
	if *defaultModel != "" {
		if err := models.SetDefault(*defaultModel); err != nil {
			slog.Error("Invalid default model", "error", err)
			os.Exit(1)
		}
	}

	// Load prompts
	promptSet, err := prompts.Load(*promptsDir)
	if err != nil {
		slog.Error("Failed to load prompts", "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "mode", mode)
	store, err := receipt.NewLocalStorage(*outputPath, mode)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize service
	gate := receipt.RoleGate{ProviderPassword: *providerPassword}
	receiptService := receipt.NewService(scanner, models, promptSet, store, db, gate)

	// Initialize server
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started",
		"address", fmt.Sprintf("http://localhost%s", addr),
		"models", len(models.Choices()),
		"default_model", models.Default(),
		"artifacts", store.BasePath(),
	)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// envFileArg finds --env-file in args without parsing the rest
func envFileArg(args []string) string {
	path := ".env"
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "env-file" || !strings.HasPrefix(arg, "-") {
			continue
		}
		if hasValue {
			path = value
		} else if i+1 < len(args) {
			path = args[i+1]
		}
	}
	if v := os.Getenv(envPrefix + "_ENV_FILE"); v != "" && path == ".env" {
		path = v
	}
	return path
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
