// Command issuetoken mints bearer tokens for local testing of the event hub API.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gyaneshwarpardhi/eventhub/internal/auth"
)

func main() {
	userID := flag.String("user-id", "test_user", "User id placed in the token")
	role := flag.String("role", "", "Role to grant: reader or writer (required)")
	hours := flag.Float64("hours", 24, "Token lifetime in hours")
	expired := flag.Bool("expired", false, "Issue an already expired token")
	secret := flag.String("secret", os.Getenv("EVENTHUB_AUTH_HMAC_SECRET"), "HS256 shared secret")
	keyFile := flag.String("private-key", "", "PEM RSA private key; signs with RS256 instead of --secret")
	issuer := flag.String("issuer", auth.DefaultIssuer, "iss claim")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	r, err := auth.ParseRole(*role)
	if err != nil {
		slog.Error("invalid --role", "err", err)
		flag.Usage()
		os.Exit(2)
	}

	signer, err := newSigner(*secret, *keyFile)
	if err != nil {
		slog.Error("failed to build signer", "err", err)
		os.Exit(1)
	}
	signer.WithIssuer(*issuer)

	ttl := time.Duration(*hours * float64(time.Hour))
	if *expired {
		ttl = -time.Hour
	}
	token, err := signer.Issue(*userID, r, ttl)
	if err != nil {
		slog.Error("failed to issue token", "err", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func newSigner(secret, keyFile string) (*auth.Signer, error) {
	if keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		return auth.NewRSASigner(string(pem))
	}
	if secret == "" {
		return nil, errors.New("one of --secret, EVENTHUB_AUTH_HMAC_SECRET or --private-key is required")
	}
	return auth.NewHMACSigner(secret)
}
