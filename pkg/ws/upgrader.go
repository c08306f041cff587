package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NewUpgrader returns an upgrader that accepts browser origins whose host matches
// allowedOrigins ("*", exact host, or "*.suffix"). Requests without an Origin header
// come from non-browser clients and are accepted. An empty list accepts everything.
func NewUpgrader(allowedOrigins []string, log *zap.Logger) *websocket.Upgrader {
	if log == nil {
		log = zap.NewNop()
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			if originAllowed(origin, allowedOrigins) {
				return true
			}
			log.Warn("Rejected WebSocket connection",
				zap.String("origin", origin),
				zap.Strings("allowed_origins", allowedOrigins))
			return false
		},
	}
}

func originAllowed(origin string, allowed []string) bool {
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	for _, a := range allowed {
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Hostname()
		}
		if a == "*" || a == host {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(host, a[1:]) {
			return true
		}
	}
	return false
}
