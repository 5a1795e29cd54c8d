// Command wiremsg-sub subscribes to a subject and prints messages as they
// arrive until interrupted.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/wiremsg/wiremsg-go"
)

func main() {
	var urls string
	var queue string
	flag.StringVar(&urls, "s", wiremsg.DefaultURL, "comma-separated server URLs")
	flag.StringVar(&queue, "q", "", "queue group name")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		log.Fatalf("usage: %s [-s server] [-q queue] <subject>", os.Args[0])
	}
	subject := args[0]

	nc, err := wiremsg.Connect(urls,
		wiremsg.DisconnectErrHandler(func(_ *wiremsg.Conn, err error) {
			log.Printf("disconnected: %v", err)
		}),
		wiremsg.ReconnectHandler(func(nc *wiremsg.Conn) {
			log.Printf("reconnected to %s", nc.ConnectedURL())
		}),
	)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	handler := func(m *wiremsg.Msg) {
		log.Printf("[%s] %s", m.Subject, m.Data)
	}

	var sub *wiremsg.Subscription
	if queue != "" {
		sub, err = nc.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = nc.Subscribe(subject, handler)
	}
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	log.Printf("listening on %q (ctrl-c to drain and exit)", subject)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	if err := nc.Drain(); err != nil {
		log.Printf("drain: %v", err)
	}
}
