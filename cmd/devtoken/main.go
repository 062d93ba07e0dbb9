// devtoken prints a signed bearer token for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"qrattend/internal/auth"
	"qrattend/internal/config"
)

func main() {
	subject := flag.String("sub", "", "user id to issue the token for")
	role := flag.String("role", auth.RoleStudent, "student, faculty or admin")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to ACCESS_TTL)")
	flag.Parse()

	cfg := config.Load()
	if cfg.Production() {
		fmt.Fprintln(os.Stderr, "devtoken: refusing to issue tokens with APP_ENV=production")
		os.Exit(1)
	}
	lifetime := cfg.AccessTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	tok, err := auth.Issue(*subject, *role, cfg.JWTIssuer, cfg.JWTSigningKey, lifetime)
	if err != nil {
		fmt.Fprintln(os.Stderr, "devtoken:", err)
		os.Exit(1)
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.ExpiresAt.Format(time.RFC3339))
}
