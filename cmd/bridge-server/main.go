// bridge-server is the TherapyBridge session processing service. It accepts
// session recording uploads, runs the asynchronous transcription and
// clinical-note pipeline in a bounded worker pool, and serves processing
// status to polling clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/blob"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/logging"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/notes"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/store"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/transcribe"
	"github.com/evolvedtroglodyte/TheraBridge-sub017/internal/worker"
)

// CLI flags
var (
	portFlag      int
	workersFlag   int
	queueSizeFlag int
	modelFlag     string
)

var rootCmd = &cobra.Command{
	Use:   "bridge-server",
	Short: "TherapyBridge session processing service",
	Long: `bridge-server runs the TherapyBridge processing API: session audio
uploads, the asynchronous transcription and clinical-note pipeline, and the
status endpoints that the web client polls.

Backends are selected through the environment:
  BRIDGE_STORE         "dynamo" or "sqlite" (default "sqlite")
  BRIDGE_DYNAMO_TABLE  DynamoDB table name (dynamo store)
  BRIDGE_SQLITE_PATH   database path (sqlite store, default bridge.db)
  BRIDGE_S3_BUCKET     audio bucket; unset uses local files under
                       BRIDGE_AUDIO_DIR (default ./audio)
  TRANSCRIBE_API_URL   external transcription service endpoint
  TRANSCRIBE_API_KEY   external transcription service key
  GEMINI_API_KEY       Gemini API key for clinical note extraction

Examples:
  bridge-server
  bridge-server --port 9090 --workers 8
  bridge-server --model gemini-2.5-pro`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	rootCmd.Flags().IntVar(&workersFlag, "workers", 4, "Processing worker count")
	rootCmd.Flags().IntVar(&queueSizeFlag, "queue-size", 32, "Processing queue capacity")
	rootCmd.Flags().StringVarP(&modelFlag, "model", "m", notes.DefaultModelName, "Gemini model for note extraction")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	logging.Init()
	ctx := context.Background()

	sessionStore, storeCloser, err := buildStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session store")
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	audioStore, err := buildAudioStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio store")
	}

	transcribeURL := os.Getenv("TRANSCRIBE_API_URL")
	if transcribeURL == "" {
		log.Fatal().Msg("TRANSCRIBE_API_URL environment variable not set")
	}
	transcriber := transcribe.NewClient(transcribeURL, os.Getenv("TRANSCRIBE_API_KEY"))

	geminiClient, err := notes.NewGeminiClient(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Gemini client")
	}
	analyzer := notes.NewAnalyzer(geminiClient, modelFlag)

	processor := worker.NewProcessor(sessionStore, audioStore, transcriber, analyzer)
	pool := worker.NewPool(processor, workersFlag, queueSizeFlag)

	poolCtx, poolCancel := context.WithCancel(ctx)
	defer poolCancel()
	pool.Start(poolCtx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", portFlag),
		Handler:      withLogging(withMetrics(withCORS(newServer(sessionStore, audioStore, pool).routes()))),
		ReadTimeout:  5 * time.Minute, // large multipart uploads
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  time.Minute,
	}

	// Graceful shutdown: stop accepting requests, then drain the pool.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", portFlag).Int("workers", workersFlag).Str("model", modelFlag).Msg("Starting bridge-server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	// In-flight sessions finish before exit; queued ones are drained too.
	pool.Stop()
	log.Info().Msg("Server stopped")
}

// buildStore selects the session store backend from BRIDGE_STORE.
func buildStore(ctx context.Context) (store.SessionStore, func() error, error) {
	switch backend := os.Getenv("BRIDGE_STORE"); backend {
	case "dynamo":
		table := os.Getenv("BRIDGE_DYNAMO_TABLE")
		if table == "" {
			return nil, nil, fmt.Errorf("BRIDGE_DYNAMO_TABLE environment variable not set")
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load AWS config: %w", err)
		}
		log.Info().Str("table", table).Msg("Using DynamoDB session store")
		return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), table), nil, nil

	case "", "sqlite":
		path := os.Getenv("BRIDGE_SQLITE_PATH")
		if path == "" {
			path = "bridge.db"
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", path).Msg("Using SQLite session store")
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown BRIDGE_STORE %q (want dynamo or sqlite)", backend)
	}
}

// buildAudioStore selects S3 when BRIDGE_S3_BUCKET is set, local files
// otherwise.
func buildAudioStore(ctx context.Context) (blob.AudioStore, error) {
	if bucket := os.Getenv("BRIDGE_S3_BUCKET"); bucket != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		log.Info().Str("bucket", bucket).Msg("Using S3 audio store")
		return blob.NewS3Store(s3.NewFromConfig(cfg), bucket), nil
	}

	dir := os.Getenv("BRIDGE_AUDIO_DIR")
	if dir == "" {
		dir = "audio"
	}
	log.Info().Str("dir", dir).Msg("Using local audio store")
	return blob.NewLocalStore(dir)
}
