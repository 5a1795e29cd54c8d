// Command wiremsg-pub publishes one message to a subject and exits.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/wiremsg/wiremsg-go"
)

func main() {
	var urls string
	flag.StringVar(&urls, "s", wiremsg.DefaultURL, "comma-separated server URLs")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		log.Fatalf("usage: %s [-s server] <subject> <message>", os.Args[0])
	}
	subject, msg := args[0], args[1]

	nc, err := wiremsg.Connect(urls)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	if err := nc.Publish(subject, []byte(msg)); err != nil {
		log.Fatalf("publish: %v", err)
	}
	if err := nc.Flush(); err != nil {
		log.Fatalf("flush: %v", err)
	}
	log.Printf("published [%s] %q", subject, msg)
}
