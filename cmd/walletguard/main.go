package main

import (
	"log"
	"os"

	"github.com/andywolf/walletguard/internal/cli"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := cli.Execute(); err != nil {
		log.Printf("walletguard exited with error: %v", err)
		os.Exit(1)
	}
}
