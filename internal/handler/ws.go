package handler

import (
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"

	"meetchat/internal/auth"
	"meetchat/internal/chat"
)

// ServeWs handles the client's websocket connection upgrade.
func ServeWs(h *chat.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, err := auth.GetUserFromContext(ctx)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, acceptOptions())
		if err != nil {
			log.Printf("failed to accept websocket: %v", err)
			return
		}

		log.Printf("upgraded connection for user %s", user.ID)

		c := chat.NewClient(conn, user.ID, user.Name)
		c.SetMessageLimiter(30, time.Minute)
		c.SetTypingLimiter(120, time.Minute)

		h.Register(c)

		// We block on ReadPump because the request context is cancelled as
		// soon as we return from the handler.
		go c.WritePump(ctx)
		c.ReadPump(ctx)
	}
}

func acceptOptions() *websocket.AcceptOptions {
	base := os.Getenv("BASE_URL")
	if base == "" {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}

	host := base
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		host = u.Host
	}

	return &websocket.AcceptOptions{OriginPatterns: []string{host}}
}
