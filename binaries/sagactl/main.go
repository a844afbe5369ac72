package main

import (
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/cli"
	"github.com/lnkday/orchestrator/config"
)

// Command-line admin client for the saga orchestrator
func main() {
	// A missing .env is fine for a CLI, the environment still applies.
	godotenv.Load()

	cl, err := cli.NewSimpleCLIClient(config.Load())
	if err != nil {
		log.Fatalf("Cannot initialize sagactl: %v", err)
	}
	if err := cl.Exec(); err != nil {
		log.Fatalf("error running sagactl: %v", err)
	}
}
