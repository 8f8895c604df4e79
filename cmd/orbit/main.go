package main

import (
	"log"

	"orbit/cmd/internal/app"

	"github.com/joho/godotenv"
)

func main() {
	// Local development convenience; the real environment always wins.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
