// Command devtoken creates (or updates) a user and prints a browser session
// token for it, for exercising link-complete without a real web login.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/devicelink/server/internal/auth"
	"github.com/devicelink/server/internal/config"
	"github.com/devicelink/server/internal/db"
	"github.com/devicelink/server/internal/logger"
	"github.com/devicelink/server/internal/model"
	"github.com/joho/godotenv"
)

func main() {
	userID := flag.String("user", "", "user ID (required)")
	email := flag.String("email", "", "user email")
	name := flag.String("name", "", "display name")
	ttl := flag.Duration("ttl", 24*time.Hour, "session token lifetime")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "devtoken: -user is required")
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "devtoken: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithWriter(os.Stderr, "devtoken", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := db.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	user, err := store.Users().Upsert(ctx, model.User{ID: *userID, Email: *email, DisplayName: *name})
	if err != nil {
		log.Error("failed to upsert user", "error", err)
		os.Exit(1)
	}

	token, err := auth.NewJWTService(cfg.SessionSecret).SignSessionToken(user.ID, user.Email, *ttl)
	if err != nil {
		log.Error("failed to sign session token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
