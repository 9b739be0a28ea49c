// Command token mints an identity token for local development.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/blooom-app/blooom/internal/identity"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	userID := flag.Int64("user", 0, "user id to issue the token for")
	username := flag.String("name", "", "username claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	secret := flag.String("secret", os.Getenv("AUTH_SECRET"), "signing secret (defaults to AUTH_SECRET)")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "a signing secret is required (-secret or AUTH_SECRET)")
		os.Exit(2)
	}

	tok, err := identity.IssueToken([]byte(*secret), domain.UserID(*userID), *username, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
