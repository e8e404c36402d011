package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/hydraproject/hydra/internal/keyref"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: hydra keys <set|delete> [account]")
		os.Exit(1)
	}

	s := keyref.New()
	account := keyref.DefaultAccount
	if len(args) > 1 {
		account = strings.ToLower(args[1])
	}

	switch args[0] {
	case "set":
		fmt.Printf("Enter key material for %s: ", account)
		key, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		if len(key) == 0 {
			fmt.Fprintln(os.Stderr, "key must not be empty")
			os.Exit(1)
		}
		if err := s.Set(account, string(key)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s stored in the OS keychain\n", account)
		fmt.Printf("Reference it in hydra.toml as: encryption_key = \"keyring://hydra/%s\"\n", account)

	case "delete":
		if err := s.Delete(account); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s deleted\n", account)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
