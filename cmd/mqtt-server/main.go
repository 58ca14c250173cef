package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-io/opifex"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	c := flag.String("config", "./config/dev.yaml", "Path to config file")

	flag.Parse()
	if err := mqtt.LoadConfig(*c); err != nil {
		log.Fatal(err)
	}

	group, ctx := errgroup.WithContext(context.Background())
	s := mqtt.NewServer(ctx, mqtt.PublishRate(rate.Limit(mqtt.CONFIG.PublishRate), mqtt.CONFIG.PublishBurst))
	s.Authenticate = mqtt.CONFIG.Authenticate

	group.Go(func() error {
		if mqtt.CONFIG.MQTT.URL == "" {
			return nil
		}
		return s.ListenAndServe(mqtt.URL(mqtt.CONFIG.MQTT.URL))
	})

	// ca文件: ca.pem, 服务端证书: mqtt.pem, 服务端key文件: mqtt.key
	group.Go(func() error {
		if mqtt.CONFIG.MQTTs.URL == "" {
			return nil
		}
		return s.ListenAndServeTLS(mqtt.CONFIG.MQTTs.CertFile, mqtt.CONFIG.MQTTs.KeyFile, mqtt.URL(mqtt.CONFIG.MQTTs.URL))
	})
	group.Go(func() error {
		if mqtt.CONFIG.WebSocket.URL == "" {
			return nil
		}
		return s.ListenAndServeWebsocket(mqtt.URL(mqtt.CONFIG.WebSocket.URL))
	})
	group.Go(func() error {
		if mqtt.CONFIG.HTTP.URL == "" {
			return nil
		}
		return mqtt.Httpd(ctx)
	})
	group.Go(func() error {
		sign := make(chan os.Signal, 1)
		signal.Notify(sign, os.Interrupt, syscall.SIGTERM)
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sign:
			return fmt.Errorf("got sign: %s", sig)
		}
	})
	err := group.Wait()
	log.Fatal(err)
}
