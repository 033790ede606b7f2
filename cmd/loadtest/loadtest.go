// Command loadtest drives a running meetchat server with websocket clients
// that join one meeting and chat at a fixed rate.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"meetchat/internal/auth"
	"meetchat/internal/chatclient"
	"meetchat/internal/model"
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "server base URL")
		meeting  = flag.String("meeting", "loadtest", "meeting id to join")
		clients  = flag.Int("clients", 10, "number of concurrent clients")
		messages = flag.Int("messages", 20, "messages per client")
		interval = flag.Duration("interval", 500*time.Millisecond, "delay between messages")
	)
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var sent, received atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			userID := fmt.Sprintf("load-%d", n)
			token, err := auth.MakeJWT(userID, fmt.Sprintf("Load %d", n), secret, time.Hour)
			if err != nil {
				log.Printf("client %d: failed to mint token: %v", n, err)
				return
			}

			c, err := chatclient.Dial(ctx, chatclient.Options{
				BaseURL:   *baseURL,
				Token:     token,
				MeetingID: *meeting,
				UserID:    userID,
				UserName:  fmt.Sprintf("Load %d", n),
				OnMessage: func(model.Message) { received.Add(1) },
			})
			if err != nil {
				log.Printf("client %d: dial failed: %v", n, err)
				return
			}
			defer c.Close()

			for j := 0; j < *messages; j++ {
				msg := fmt.Sprintf("message %d from client %d", j, n)
				if err := c.Send(ctx, msg); err != nil {
					log.Printf("client %d: send failed: %v", n, err)
					return
				}
				sent.Add(1)
				time.Sleep(*interval)
			}

			// Linger so late broadcasts still count.
			time.Sleep(2 * time.Second)
		}(i)
	}

	wg.Wait()

	elapsed := time.Since(start)
	log.Printf("sent %d messages, received %d broadcasts across %d clients in %s",
		sent.Load(), received.Load(), *clients, elapsed.Round(time.Millisecond))
}
