// Command devtoken mints a bearer token signed with JWT_SECRET, for
// calling the admin endpoints or checking out as a known customer in
// development.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/storefront-checkout/internal/utils"
)

func main() {
	_ = godotenv.Load()
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	sub := flag.String("sub", "dev-operator", "token subject")
	role := flag.String("role", "ADMIN", "role claim; empty for a plain customer")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal().Msg("JWT_SECRET is not set")
	}
	tok, err := utils.NewAccessToken(secret, *sub, *role, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("mint token")
	}
	log.Info().Str("sub", *sub).Str("role", *role).Time("expires", tok.Exp).Msg("token minted")
	fmt.Println(tok.Token)
}
