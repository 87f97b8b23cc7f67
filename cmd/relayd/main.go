package main

import (
	"log"

	"loanbridge/services/relayd"
)

func main() {
	if err := relayd.Main(); err != nil {
		log.Fatalf("relayd: %v", err)
	}
}
