// Command gen-token prints HS256 tokens accepted by a service running with
// AUTH0_TEST_MODE=1.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

type tokenRequest struct {
	Subject   string
	Audience  string
	Issuer    string
	AdminRole string
	Admin     bool
	TTL       time.Duration
}

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "farmer", "prefix for generated user IDs when count > 1")
		admin  = flag.Bool("admin", false, "grant the admin role (alert publishing)")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		log.Fatal("TEST_JWT_SECRET must be set")
	}
	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	req := tokenRequest{
		Audience:  os.Getenv("AUTH0_AUDIENCE"),
		AdminRole: envOr("ADMIN_ROLE", "admin"),
		Admin:     *admin,
		TTL:       *ttl,
	}
	tokens := make([]string, *count)
	for i := range tokens {
		switch {
		case len(args) > 0:
			req.Subject = args[0]
		case *count == 1:
			req.Subject = *prefix
		default:
			req.Subject = fmt.Sprintf("%s-%d", *prefix, i+1)
		}
		tok, err := signToken([]byte(secret), req, time.Now())
		if err != nil {
			log.Fatalf("generate token: %v", err)
		}
		tokens[i] = tok
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func signToken(secret []byte, req tokenRequest, now time.Time) (string, error) {
	if req.Subject == "" {
		return "", errors.New("subject is required")
	}
	claims := jwt.MapClaims{
		"sub": req.Subject,
		"iat": now.Unix(),
		"exp": now.Add(req.TTL).Unix(),
	}
	if req.Audience != "" {
		claims["aud"] = req.Audience
	}
	if req.Issuer != "" {
		claims["iss"] = req.Issuer
	}
	if req.Admin {
		claims["permissions"] = []string{req.AdminRole}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
