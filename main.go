package main

import (
	"log"

	"github.com/govmkit/archvm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
