package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an in-process NATS server. It exists so the delivery
// engine's NATS publisher can be exercised in tests without a standalone
// nats-server process.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// StartEmbeddedServer starts an embedded NATS server on a random free port.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: false,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("transport/nats: create embedded server: %w", err)
	}

	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("transport/nats: embedded server not ready within 5s")
	}

	return &EmbeddedServer{server: s, url: s.ClientURL()}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the embedded server. Safe to call more than once.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()
		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
}

// Responder wires a reply loop on subject that answers each request with
// handle's result, standing in for a real external publisher's ACK
// handshake in tests.
func (e *EmbeddedServer) Responder(subject string, handle func(data []byte) []byte) (func(), error) {
	nc, err := nats.Connect(e.url)
	if err != nil {
		return nil, fmt.Errorf("transport/nats: connect responder: %w", err)
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		_ = msg.Respond(handle(msg.Data))
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport/nats: subscribe responder: %w", err)
	}

	return func() {
		sub.Unsubscribe()
		nc.Drain()
		nc.Close()
	}, nil
}
