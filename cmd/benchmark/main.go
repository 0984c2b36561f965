package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/golang-io/mqttd"
	"github.com/golang-io/mqttd/packet"
	"golang.org/x/sync/errgroup"
)

func main() {
	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 100; i++ {
		i := i
		c := mqtt.New(
			mqtt.URL("mqtt://127.0.0.1:1883"),
			mqtt.ClientID(fmt.Sprintf("bench-%d", i)),
			mqtt.Subscription(
				packet.Subscription{TopicFilter: "+"},
				packet.Subscription{TopicFilter: "a/b/c"},
			),
		)
		c.OnMessage(func(msg *packet.Message) {
			log.Printf("id=%s, msg=%s", c.ID(), msg.String())
		})

		group.Go(func() error {
			return c.ConnectAndSubscribe(ctx)
		})

		group.Go(func() error {
			timer := time.NewTimer(time.Second)
			defer timer.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
					if err := c.SubmitMessage(&packet.Message{
						TopicName: fmt.Sprintf("topic-%d", i),
						Content:   []byte("hello world"),
					}, 0); err != nil {
						log.Printf("publish: %v", err)
					}
					timer.Reset(time.Second)
				}
			}
		})
	}
	if err := group.Wait(); err != nil {
		panic(err)
	}
}
