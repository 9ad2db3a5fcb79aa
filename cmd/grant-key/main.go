// Package main provides a one-shot utility for caller grant key generation.
//
// It emits the asymmetric keypair used to verify marketplace caller grants,
// and can mint a development grant for a given account.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/argylefox/tradepost/internal/platform/config"
	"github.com/argylefox/tradepost/internal/tools/grantkey"
)

func main() {
	account := flag.String("issue-for", "", "mint a development grant for this account instead of generating keys")
	issuer := flag.String("issuer", "tradepost-auth", "grant issuer")
	audience := flag.String("audience", "tradepost-market", "grant audience")
	ttl := flag.Duration("ttl", time.Hour, "grant lifetime")
	flag.Parse()

	if *account == "" {
		if err := grantkey.Run(os.Stdout, nil); err != nil {
			config.Exitf("generate caller grant key: %v", err)
		}
		return
	}

	key, err := grantkey.DecodePrivateKey(os.Getenv("TRADEPOST_CALLER_GRANT_PRIVATE_KEY"))
	if err != nil {
		config.Exitf("read TRADEPOST_CALLER_GRANT_PRIVATE_KEY: %v", err)
	}
	grant, err := grantkey.Issue(key, grantkey.IssueRequest{
		Issuer:    *issuer,
		Audience:  *audience,
		AccountID: *account,
		TTL:       *ttl,
	})
	if err != nil {
		config.Exitf("issue caller grant: %v", err)
	}
	fmt.Println(grant)
}
