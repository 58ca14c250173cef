package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-io/opifex/packet"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = s.Serve(ln) }()
	return s, ln.Addr().String()
}

func pahoClient(t *testing.T, addr, id string) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(id).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	client := paho.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("paho connect: %v", token.Error())
	}
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func TestPahoPublishSubscribe(t *testing.T) {
	_, addr := startServer(t)
	sub := pahoClient(t, addr, "paho-sub")
	pub := pahoClient(t, addr, "paho-pub")

	got := make(chan paho.Message, 4)
	token := sub.Subscribe("paho/#", 1, func(_ paho.Client, msg paho.Message) { got <- msg })
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("paho subscribe: %v", token.Error())
	}

	for qos := range byte(3) {
		token := pub.Publish("paho/x", qos, false, []byte{'0' + qos})
		if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
			t.Fatalf("paho publish qos %d: %v", qos, token.Error())
		}
		select {
		case msg := <-got:
			if msg.Topic() != "paho/x" || msg.Qos() != min(qos, 1) || string(msg.Payload()) != string([]byte{'0' + qos}) {
				t.Errorf("qos %d: got topic=%s qos=%d payload=%q", qos, msg.Topic(), msg.Qos(), msg.Payload())
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("qos %d: message not delivered", qos)
		}
	}
}

func TestPahoInterop(t *testing.T) {
	_, addr := startServer(t)
	sub := pahoClient(t, addr, "paho-reader")
	got := make(chan paho.Message, 1)
	token := sub.Subscribe("interop/+", 2, func(_ paho.Client, msg paho.Message) { got <- msg })
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("paho subscribe: %v", token.Error())
	}

	c := New(URL("mqtt://"+addr), ClientID("opifex-writer"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer c.Disconnect(context.Background())
	if err := c.Publish(context.Background(), &packet.PUBLISH{Topic: "interop/a", Payload: []byte("hi"), QoS: 2, Retain: true}); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	select {
	case msg := <-got:
		if msg.Topic() != "interop/a" || msg.Qos() != 2 || string(msg.Payload()) != "hi" {
			t.Errorf("got topic=%s qos=%d payload=%q", msg.Topic(), msg.Qos(), msg.Payload())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered to paho")
	}

	late := pahoClient(t, addr, "paho-late")
	retained := make(chan paho.Message, 1)
	token = late.Subscribe("interop/#", 0, func(_ paho.Client, msg paho.Message) { retained <- msg })
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("paho subscribe: %v", token.Error())
	}
	select {
	case msg := <-retained:
		if !msg.Retained() || string(msg.Payload()) != "hi" {
			t.Errorf("retained = %q retained=%t", msg.Payload(), msg.Retained())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("retained message not replayed")
	}
}
