// Package main generates collab grant keys and signs grants for local
// clients.
//
//	collab-grant keys
//	collab-grant sign -doc <id> -user <id> [-ttl 1h]
package main

import (
	"flag"
	"os"
	"time"

	"github.com/louisbranch/fracturing-collab/internal/platform/config"
	"github.com/louisbranch/fracturing-collab/internal/tools/collabgrant"
)

func main() {
	if len(os.Args) < 2 {
		config.Exitf("usage: collab-grant keys | sign -doc <id> -user <id>")
	}
	switch os.Args[1] {
	case "keys":
		if err := collabgrant.GenerateKeys(os.Stdout, nil); err != nil {
			config.Exitf("generate collab grant key: %v", err)
		}
	case "sign":
		fs := flag.NewFlagSet("sign", flag.ExitOnError)
		grant := collabgrant.Grant{}
		fs.StringVar(&grant.PrivateKey, "private-key", os.Getenv("FRACTURING_SPACE_COLLAB_GRANT_PRIVATE_KEY"), "base64 Ed25519 private key")
		fs.StringVar(&grant.Issuer, "issuer", "fracturing.space/auth", "grant issuer")
		fs.StringVar(&grant.Audience, "audience", "collab", "grant audience")
		fs.StringVar(&grant.DocumentID, "doc", "", "document id")
		fs.StringVar(&grant.UserID, "user", "", "user id")
		fs.DurationVar(&grant.TTL, "ttl", time.Hour, "grant lifetime")
		_ = fs.Parse(os.Args[2:])
		if err := collabgrant.Sign(os.Stdout, grant); err != nil {
			config.Exitf("sign collab grant: %v", err)
		}
	default:
		config.Exitf("unknown command %q", os.Args[1])
	}
}
