package main

import (
	"log"

	"github.com/flexerosint/flexer-osint/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
