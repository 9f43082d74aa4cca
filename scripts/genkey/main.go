// genkey generates an Ed25519 key pair for threadbox JWT signing.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [dir]
//
// Writes dir/jwt_private.pem and dir/jwt_public.pem (mode 0600). dir
// defaults to data/, which is gitignored. Point THREADBOX_JWT_PRIVATE_KEY and
// THREADBOX_JWT_PUBLIC_KEY at the files.
//
// The server auto-generates ephemeral keys when no key files are configured,
// but those are discarded on every restart, invalidating all issued tokens.
package main

import (
	"fmt"
	"os"

	"github.com/ashita-ai/threadbox/internal/auth"
)

func main() {
	dir := "data"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	privPath, pubPath, err := auth.WriteKeyPair(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\nwrote %s\n", privPath, pubPath)
}
