// Package identity provides per-dashboard console identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	ConsoleCookieName   = "callpilot_console_id"
	AgentHeaderName     = "X-CallPilot-Agent-ID"
	DefaultAgentIDValue = "unassigned"
	consoleCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	consoleIDKey contextKey = iota
	agentIDKey
)

var (
	consoleIDPattern = regexp.MustCompile(`^console_[a-f0-9]{32}$`)
	agentIDPattern   = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
)

// ConsoleIDFromContext extracts the console ID from the request context.
func ConsoleIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(consoleIDKey).(string); ok {
		return v
	}
	return ""
}

// AgentIDFromContext extracts the agent ID from the request context.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey).(string); ok {
		return v
	}
	return DefaultAgentIDValue
}

func generateConsoleID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate console id: %w", err)
	}
	return "console_" + hex.EncodeToString(buf), nil
}

func isValidConsoleID(id string) bool {
	return consoleIDPattern.MatchString(id)
}

func sanitizeAgentID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !agentIDPattern.MatchString(id) {
		return DefaultAgentIDValue
	}
	return id
}

func getOrCreateConsoleID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(ConsoleCookieName); err == nil && isValidConsoleID(c.Value) {
		http.SetCookie(w, &http.Cookie{
			Name:     ConsoleCookieName,
			Value:    c.Value,
			Path:     "/",
			MaxAge:   int(consoleCookieMaxAge.Seconds()),
			Expires:  time.Now().Add(consoleCookieMaxAge),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   !isDev,
		})
		return c.Value, nil
	}

	id, err := generateConsoleID()
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ConsoleCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(consoleCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(consoleCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

func agentIDFromRequest(r *http.Request) string {
	id := r.Header.Get(AgentHeaderName)
	if id == "" {
		id = r.URL.Query().Get("agent_id")
	}
	return sanitizeAgentID(id)
}

// Middleware injects the per-dashboard console ID and the agent ID
// into the request context. The console ID rides a long-lived cookie
// so reconnects from the same dashboard replace its old subscription
// instead of stacking a new one.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			consoleID, err := getOrCreateConsoleID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish console identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), consoleIDKey, consoleID)
			ctx = context.WithValue(ctx, agentIDKey, agentIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
