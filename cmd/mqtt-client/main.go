package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-io/opifex"
	"github.com/golang-io/opifex/packet"
	"golang.org/x/sync/errgroup"
)

func main() {
	server := flag.String("server", "mqtt://127.0.0.1:1883", "broker url")
	name := flag.String("topic", "opifex/time", "publish topic")
	qos := flag.Uint("qos", 1, "publish qos")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	c := mqtt.New(mqtt.URL(*server), mqtt.Subscription(
		packet.Subscription{TopicFilter: "opifex/#", MaximumQoS: 1}, packet.Subscription{TopicFilter: "a/b/c"},
	))
	c.OnMessage(func(msg *packet.PUBLISH) {
		log.Printf("on: %s", msg.String())
	})
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.ConnectAndSubscribe(ctx)
	})
	group.Go(func() error {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
			}
			if c.State() != mqtt.StateConnected {
				continue
			}
			if err := c.Publish(ctx, &packet.PUBLISH{
				Topic:   *name,
				QoS:     uint8(*qos),
				Payload: []byte(time.Now().Format("2006-01-02 15:04:05")),
			}); err != nil {
				log.Printf("%v", err)
			}
		}
	})

	group.Go(func() error {
		defer cancel()
		ignore := make(chan os.Signal, 1)
		sign := make(chan os.Signal, 1)

		signal.Notify(ignore, syscall.SIGHUP) // 终端挂起或者控制进程终止(hang up)
		signal.Notify(sign, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-ctx.Done():
			log.Printf("ctx done")
			return ctx.Err()
		case sig := <-sign:
			return fmt.Errorf("got sign: %s", sig)
		}
	})

	if err := group.Wait(); err != nil {
		log.Fatal(err)
	}
}
