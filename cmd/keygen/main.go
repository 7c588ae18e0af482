package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/tjfontaine/travel-agent-relay/internal/adapters/auth/apikey"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/keygen/main.go <principal-id> [api-key]")
		fmt.Println("Hashes the API key (or a newly generated one) for use in config.yaml")
		os.Exit(1)
	}

	principal := os.Args[1]

	var apiKey string
	if len(os.Args) > 2 {
		apiKey = os.Args[2]
	} else {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "rk_" + hex.EncodeToString(buf)
	}

	keyHash := apikey.HashAPIKey(apiKey)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("auth:\n")
	fmt.Printf("  principals:\n")
	fmt.Printf("    - id: %q\n", principal)
	fmt.Printf("      key_hash: %q\n", keyHash)
	fmt.Printf("      description: \"Generated key\"\n")
}
