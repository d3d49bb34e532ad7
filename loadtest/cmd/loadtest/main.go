// Package main is the entry point for the DM load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: opens N idle live channels and holds them
//   - deliver:  pairs of users exchange messages and push latency is measured
//   - users:    writes a synthetic USERS_FILE for a development server
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/horizon/dm-app/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "deliver":
		runDeliver(os.Args[2:])
	case "users":
		runUsers(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle live channels")
	fmt.Println("  deliver     Delivery test, pairs of users send each other messages")
	fmt.Println("  users       Write a synthetic user directory for DM_USERS_FILE")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// tokenSource signs access tokens for simulated users with the server's
// secret.
type tokenSource struct {
	auth *auth.Authenticator
}

func newTokenSource(secret string) *tokenSource {
	if secret == "" {
		fmt.Fprintln(os.Stderr, "a -secret matching DM_JWT_SECRET is required")
		os.Exit(2)
	}
	return &tokenSource{auth: auth.NewAuthenticator(secret, 24*time.Hour)}
}

func (t *tokenSource) token(userID string) string {
	tok, err := t.auth.Issue(userID)
	if err != nil {
		// Only fails on an unusable secret.
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(2)
	}
	return tok
}

// userID returns the directory id of the n-th simulated user.
func userID(first, n int) string {
	return strconv.Itoa(first + n)
}

// liveURL turns the server's base URL into the live channel URL for token.
func liveURL(base, token string) string {
	u := strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?token=" + url.QueryEscape(token)
}
