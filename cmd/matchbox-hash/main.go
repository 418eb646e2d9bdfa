// Command matchbox-hash generates an admin salt/hash pair for
// config.AdminSalt/config.AdminHash, mirroring generate_admin_hash.py.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/frc-matchbox/matchbox/internal/session"
)

func main() {
	fmt.Fprint(os.Stderr, "Admin password: ")
	pw1, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "matchbox-hash: could not read password: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprint(os.Stderr, "Confirm password: ")
	pw2, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "matchbox-hash: could not read password: %v\n", err)
		os.Exit(1)
	}

	if string(pw1) != string(pw2) {
		fmt.Fprintln(os.Stderr, "matchbox-hash: passwords did not match")
		os.Exit(1)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		fmt.Fprintf(os.Stderr, "matchbox-hash: could not generate salt: %v\n", err)
		os.Exit(1)
	}

	saltHex := hex.EncodeToString(salt)
	hashHex := session.HashPassword(string(pw1), salt)

	fmt.Printf("adminSalt: %q\n", saltHex)
	fmt.Printf("adminHash: %q\n", hashHex)
}
