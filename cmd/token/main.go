// Command token mints an access token for local testing and operator
// calls to /internal.  It signs with JWT_SECRET from the environment or .env.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/utils"
)

const usage = "usage: JWT_SECRET=... token --user <id> [--role ADMIN] [--ttl 1h]"

type params struct {
	user string
	role string
	ttl  time.Duration
}

func flags(p *params) *pflag.FlagSet {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	fs.StringVarP(&p.user, "user", "u", "", "user id placed in the sub claim")
	fs.StringVarP(&p.role, "role", "r", model.RoleCustomer, "CUSTOMER, STAFF or ADMIN")
	fs.DurationVar(&p.ttl, "ttl", time.Hour, "token lifetime")
	return fs
}

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Getenv("JWT_SECRET"), os.Stdout, os.Stderr))
}

func run(args []string, secret string, stdout, stderr io.Writer) int {
	var p params
	fs := flags(&p)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if secret == "" || p.user == "" {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	role := strings.ToUpper(p.role)
	switch role {
	case model.RoleCustomer, model.RoleStaff, model.RoleAdmin:
	default:
		fmt.Fprintf(stderr, "unknown role %q\n", p.role)
		return 2
	}

	tok, err := utils.NewAccessToken(secret, p.user, role, p.ttl)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, tok.Token)
	return 0
}
