// Package main our entry point.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pressly/goose/v3"

	"meetchat/internal"
	"meetchat/internal/broker"
	"meetchat/internal/chat"
	"meetchat/internal/handler"
	"meetchat/internal/ratelimit"
	"meetchat/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("failed to load .env file: %+v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + port,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	// Init DB
	log.Println("Starting application...")
	log.Println("Initializing Database connection...")

	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL environment variable is not set")
	}

	dbConn, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("could not connect to the postgresql database: %v", err)
	}

	if err := migrate(dbConn); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	st := store.NewPostgres(dbConn)

	// Init NATS if configured. Without it, message fan-out stays local to
	// this process.
	var hubOpts []chat.Option

	natsConn, br := initBroker()
	if br != nil {
		hubOpts = append(hubOpts, chat.WithBroker(br))
	}

	hub := chat.NewHub(st, hubOpts...)

	if br != nil {
		stream, err := br.EnsureStream(ctx)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if err := broker.Subscribe(ctx, stream, hub.DeliverMessage); err != nil {
			log.Fatalf("failed to subscribe to broker: %v", err)
		}
	}

	// REST gets a per-IP limiter; the websocket path carries its own
	// per-client limiters.
	limiter := ratelimit.NewIPRateLimiter(60, time.Minute, ratelimit.CleanupOpts{
		TTL:      10 * time.Minute,
		Interval: time.Minute,
	})
	defer limiter.Cancel()

	r := chi.NewRouter()
	r.Get("/healthz", handler.ServeHealth())

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return limiter.Middleware(internal.Middleware(next))
		})
		r.Get("/messages", handler.ServeMessageHistory(st))
		r.Post("/messages", handler.ServePostMessage(st))
		r.Get("/meetings", handler.ServeListMeetings(st))
		r.Post("/meetings", handler.ServeUpsertMeeting(st))
	})

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return internal.Middleware(next)
		})
		r.Get("/ws", handler.ServeWs(hub))
	})

	server.Handler = r

	go func() {
		log.Printf("Server starting at 0.0.0.0:%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutdown signal received; shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Println(err)
	}

	// Drain NATS connection.
	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			log.Printf("couldn't drain NATS conn: %+v", err)
		}
	}

	// Close DB connection.
	dbConn.Close()

	log.Println("Server stopped")
}

func migrate(pool *pgxpool.Pool) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	return goose.Up(db, "sql/schema")
}

func initBroker() (*nats.Conn, *broker.Broker) {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		return nil, nil
	}

	log.Println("Initializing NATS connection...")

	var natsCredentials []nats.Option

	if cred := os.Getenv("NATS_CRED"); cred != "" {
		natsCredentials = append(natsCredentials, nats.UserCredentials(cred))
	} else if user, pass := os.Getenv("NATS_USER"), os.Getenv("NATS_PASSWORD"); user != "" && pass != "" {
		natsCredentials = append(natsCredentials, nats.UserInfo(user, pass))
	}

	natsCredentials = append(natsCredentials, nats.Timeout(5*time.Second))

	conn, err := nats.Connect(natsURL, natsCredentials...)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		log.Fatalf("failed to create jetstream instance: %v", err)
	}

	return conn, broker.New(js)
}
