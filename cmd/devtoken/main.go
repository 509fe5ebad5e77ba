// Command devtoken prints a bearer token accepted by the API, signed with
// JWT_SECRET from the environment or .env.  Useful for local testing
// without the identity service.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tempandmajor/commonly-sub010/internal/config"
	"github.com/tempandmajor/commonly-sub010/internal/middleware"
	"github.com/tempandmajor/commonly-sub010/internal/utils"
)

func main() {
	userID := flag.Uint64("user", 1, "user id (sub claim)")
	role := flag.String("role", middleware.RoleCustomer, "ORGANIZER or CUSTOMER")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	tok, err := utils.NewAccessToken(cfg.JWTSecret, *userID, *role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign:", err)
		os.Exit(1)
	}
	fmt.Println(tok.Token)
}
