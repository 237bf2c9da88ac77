// Command issue-token prints a signed access token for a machine caller,
// such as the device provisioning service or an operator script.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"sms-receive/internal/auth"
	"sms-receive/internal/config"
	"sms-receive/internal/rbac"
)

func main() {
	subject := flag.String("subject", "", "caller identity placed in the sub claim")
	role := flag.String("role", rbac.RoleProvisioner, "admin, provisioner or operator")
	ttl := flag.Duration("ttl", 90*24*time.Hour, "token lifetime")
	pair := flag.Bool("pair", false, "print an access/refresh pair using the configured TTLs instead")
	flag.Parse()

	if err := run(*subject, *role, *ttl, *pair); err != nil {
		fmt.Fprintln(os.Stderr, "issue-token:", err)
		os.Exit(1)
	}
}

func run(subject, role string, ttl time.Duration, pair bool) error {
	if subject == "" {
		return fmt.Errorf("-subject is required")
	}
	if !rbac.Known(role) {
		return fmt.Errorf("unknown role %q", role)
	}

	cfg, err := config.LoadAuth()
	if err != nil {
		return err
	}
	m, err := auth.NewManager(cfg)
	if err != nil {
		return err
	}

	now := time.Now()
	if pair {
		p, err := m.IssuePair(now, subject, role)
		if err != nil {
			return err
		}
		fmt.Printf("access_token=%s\nrefresh_token=%s\n", p.AccessToken, p.RefreshToken)
		return nil
	}
	tok, err := m.IssueService(now, subject, role, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
