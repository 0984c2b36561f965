package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/golang-io/mqttd"
	"github.com/golang-io/mqttd/packet"
)

// http-beanch drives the broker's WebSocket listener from gorilla's
// client, an independent implementation from the one the broker itself
// embeds (golang.org/x/net/websocket) -- it exercises the listener's
// wire compatibility rather than just its own round-trip.
var (
	addr     = flag.String("addr", "ws://127.0.0.1:1884/mqtt", "broker websocket listen address")
	fleet    = flag.Int("fleet", 50, "number of concurrent websocket clients")
	interval = flag.Duration("interval", time.Second, "publish interval per client")
)

func main() {
	flag.Parse()

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < *fleet; i++ {
		i := i
		group.Go(func() error {
			return runClient(ctx, i)
		})
	}
	if err := group.Wait(); err != nil {
		log.Fatal(err)
	}
}

func runClient(ctx context.Context, i int) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial %d: %w", i, err)
	}
	defer ws.Close()

	clientID := fmt.Sprintf("http-beanch-%d", i)
	if err := send(ws, &packet.CONNECT{
		FixedHeader:  &packet.FixedHeader{Version: packet.VERSION311, Kind: mqtt.CONNECT},
		ConnectFlags: 0x02, // CleanStart
		KeepAlive:    30,
		ClientID:     clientID,
	}); err != nil {
		return fmt.Errorf("connect %d: %w", i, err)
	}

	if _, _, err := ws.ReadMessage(); err != nil {
		return fmt.Errorf("connack %d: %w", i, err)
	}

	topic := fmt.Sprintf("bench/%d", i)
	timer := time.NewTimer(*interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			pub := &packet.PUBLISH{
				FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: mqtt.PUBLISH},
				Message:     &packet.Message{TopicName: topic, Content: []byte("hello from http-beanch")},
			}
			if err := send(ws, pub); err != nil {
				return fmt.Errorf("publish %d: %w", i, err)
			}
			timer.Reset(*interval)
		}
	}
}

func send(ws *websocket.Conn, pkt packet.Packet) error {
	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}
