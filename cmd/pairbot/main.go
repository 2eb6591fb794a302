package main

import (
	"flag"
	"log"
	"os"

	"github.com/lingreerjr-eng/polybot-ws/internal/bot"
	"github.com/lingreerjr-eng/polybot-ws/internal/dotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	cfg, err := bot.ParseConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	bot.Main(cfg)
}
