// stubidp is a local stand-in for the identity provider facade, useful for
// developing and demoing the client without a Keycloak deployment. It mints
// real HS256 tokens with the claim shapes the platform emits; it is not a
// secure server and must never be exposed beyond localhost.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8089", "listen address")
	secret := flag.String("secret", "stub-signing-secret", "HS256 signing secret")
	tokenTTL := flag.Duration("token-ttl", 15*time.Minute, "access token lifetime")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	stub := newStub([]byte(*secret), *tokenTTL, log)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Post("/login", stub.handleLogin)
	router.Get("/validate", stub.handleValidate)
	router.Post("/refresh", stub.handleRefresh)
	router.Post("/logout", stub.handleLogout)
	router.Get("/profile", stub.handleProfile)
	router.Put("/user-profile", stub.handleUpdateProfile)
	router.Post("/change-password", stub.handleChangePassword)

	router.Route("/users", func(r chi.Router) {
		r.Get("/", stub.handleListUsers)
		r.Post("/", stub.handleCreateUser)
		r.Put("/{userID}", stub.handleUpdateUser)
		r.Delete("/{userID}", stub.handleDeleteUser)
		r.Post("/{userID}/reset-password", stub.handleResetPassword)
	})

	log.Info().Str("addr", *addr).Msg("stub identity provider listening")
	if err := http.ListenAndServe(*addr, router); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
