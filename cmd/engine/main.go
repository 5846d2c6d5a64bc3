// Command engine answers a single JSON request: the envelope is read from
// stdin (or the first argument), the response is written to stdout, and the
// exit code mirrors the success flag so process-spawning callers can treat a
// non-zero status as failure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/careline-health/careline/internal/config"
	"github.com/careline-health/careline/internal/ipc"
	"github.com/careline-health/careline/internal/service/ai"
	chatservice "github.com/careline-health/careline/internal/service/chat"
	"github.com/careline-health/careline/internal/store"
)

func main() {
	// All logging goes to stderr; stdout carries exactly one JSON object.
	log.SetOutput(os.Stderr)
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Printf("[engine] no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fail("configuration error: %v", err)
	}

	if !cfg.AI.Enabled() {
		return fail("configuration error: generation backend credentials missing")
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		log.Printf("[engine] open database: %v", err)
		return fail("storage error: failed to open database")
	}
	defer st.Close()

	generator, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		log.Printf("[engine] init generation backend: %v", err)
		return fail("configuration error: failed to initialize generation backend")
	}

	engine := chatservice.NewService(st, generator, cfg.Engine)
	gateway := ipc.New(engine, cfg.Engine.IPCTimeout)

	return gateway.Run(ctx, requestReader(), os.Stdout)
}

// requestReader returns the request source: the first CLI argument when
// present, stdin otherwise.
func requestReader() io.Reader {
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "--stdin" {
		return strings.NewReader(args[0])
	}
	return os.Stdin
}

// fail emits the uniform error envelope and returns the failure exit code.
func fail(format string, args ...any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(map[string]any{
		"success": false,
		"error":   fmt.Sprintf(format, args...),
	})
	return 1
}
