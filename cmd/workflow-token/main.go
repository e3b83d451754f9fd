// workflow-token mints short-lived HS256 bearer tokens for local testing of
// the write endpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ornaflow/ornaflow/internal/auth"
)

func main() {
	secret := flag.String("secret", os.Getenv("WORKFLOW_JWT_SECRET"), "HS256 signing secret")
	subject := flag.String("sub", "local-dev", "token subject")
	role := flag.String("role", "production", "role claim")
	expSecs := flag.Int("exp-secs", 600, "token expiry in seconds")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret or WORKFLOW_JWT_SECRET required")
		os.Exit(2)
	}

	v := auth.NewVerifier(*secret, *role, false, "")
	token, err := v.IssueToken(*subject, *role, time.Duration(*expSecs)*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(token)
}
