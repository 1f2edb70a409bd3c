// Package main implements a one-shot seed command that creates a demo user
// with a dashboard and widgets directly in the Pulseboard database, and can
// optionally push sample readings through the gRPC ingest service.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --email demo@example.com \
//	  --password secret123 \
//	  --name "Demo User"
//
//	go run ./cmd/seed --email demo@example.com --password secret123 \
//	  --ingest-addr localhost:9090 --points 60
//
// Environment variables:
//
//	PULSEBOARD_DB_DRIVER     sqlite or postgres (default: sqlite)
//	PULSEBOARD_DB_DSN        SQLite file path or Postgres DSN (default: ./pulseboard.db)
//	PULSEBOARD_SECRET_KEY    Encryption key, must match the value used by the server
//	PULSEBOARD_INGEST_TOKEN  Shared secret for the ingest service
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pulseboard/pulseboard/internal/auth"
	"github.com/pulseboard/pulseboard/internal/db"
	grpcserver "github.com/pulseboard/pulseboard/internal/grpc"
	"github.com/pulseboard/pulseboard/internal/repositories"
)

type demoWidget struct {
	kind, title, stream, config string
}

var demoWidgets = []demoWidget{
	{"line", "Temperature", "temp-sensor-1", `{"unit":"°C"}`},
	{"gauge", "Humidity", "humidity-sensor-1", `{"min":0,"max":100,"unit":"%"}`},
	{"stat", "CPU load", "host-1.cpu", `{"precision":2}`},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "Demo User", "Display name")
	ingestAddr := flag.String("ingest-addr", "", "If set, publish sample readings to this gRPC ingest address")
	points := flag.Int("points", 30, "Sample readings per stream when --ingest-addr is set")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	secretKey := os.Getenv("PULSEBOARD_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"PULSEBOARD_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted password will be unreadable at login time.",
		)
	}
	if err := db.InitEncryption([]byte(secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("PULSEBOARD_DB_DRIVER", "sqlite"),
		DSN:      envOrDefault("PULSEBOARD_DB_DSN", "./pulseboard.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close(database) //nolint:errcheck

	ctx := context.Background()

	// ─── User ─────────────────────────────────────────────────────────────────

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &db.User{
		Email:       *email,
		DisplayName: *name,
		Password:    db.EncryptedString(hashed),
		IsActive:    true,
	}
	if err := repositories.NewUserRepository(database).Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a user with email %q already exists", *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	// ─── Dashboard and widgets ────────────────────────────────────────────────

	dashboard := &db.Dashboard{
		OwnerID:     user.ID,
		Name:        "Demo",
		Description: "Sample sensors and host metrics",
		Layout:      `{"columns":12}`,
	}
	if err := repositories.NewDashboardRepository(database).Create(ctx, dashboard); err != nil {
		return fmt.Errorf("create dashboard: %w", err)
	}

	widgetRepo := repositories.NewWidgetRepository(database)
	for i, w := range demoWidgets {
		if err := widgetRepo.Create(ctx, &db.Widget{
			DashboardID: dashboard.ID,
			Kind:        w.kind,
			Title:       w.title,
			StreamID:    w.stream,
			Position:    i,
			Config:      w.config,
		}); err != nil {
			return fmt.Errorf("create widget %q: %w", w.title, err)
		}
	}

	fmt.Printf("✓ Demo data created\n")
	fmt.Printf("  User:      %s (%s)\n", user.Email, user.ID)
	fmt.Printf("  Dashboard: %s (%s)\n", dashboard.Name, dashboard.ID)
	fmt.Printf("  Widgets:   %d\n", len(demoWidgets))

	if *ingestAddr == "" {
		return nil
	}
	return publishSamples(ctx, *ingestAddr, os.Getenv("PULSEBOARD_INGEST_TOKEN"), *points)
}

// publishSamples streams synthetic readings for every demo widget.
func publishSamples(ctx context.Context, addr, token string, points int) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial ingest: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, grpcserver.TokenMetadataKey, token)
	}

	stream, err := grpcserver.NewIngestClient(conn).PublishStream(ctx)
	if err != nil {
		return fmt.Errorf("open ingest stream: %w", err)
	}

	start := time.Now().Add(-time.Duration(points) * time.Second)
	for i := 0; i < points; i++ {
		ts := start.Add(time.Duration(i) * time.Second)
		for j, w := range demoWidgets {
			value := 50 + 20*math.Sin(float64(i)/5+float64(j))
			msg, err := structpb.NewStruct(map[string]any{
				"stream_id": w.stream,
				"payload":   map[string]any{"value": math.Round(value*10) / 10},
				"timestamp": float64(ts.UnixMilli()),
			})
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return fmt.Errorf("send sample: %w", err)
			}
		}
	}

	summary, err := stream.CloseAndRecv()
	if err != nil {
		return fmt.Errorf("close ingest stream: %w", err)
	}
	fields := summary.GetFields()
	fmt.Printf("✓ Samples published\n")
	fmt.Printf("  Accepted:  %.0f\n", fields["accepted"].GetNumberValue())
	fmt.Printf("  Delivered: %.0f\n", fields["delivered"].GetNumberValue())
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
