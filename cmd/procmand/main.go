// procmand hosts the reference storage/transport adapters and the
// control-plane introspection server for whichever process managers
// this node's configuration names. It carries no compiled-in
// sagaapi.UserModule of its own: embedding applications that supply
// real process manager logic call procman.Start directly from their
// own main and skip this binary entirely.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"procman"
	"procman/internal/config"
	"procman/sagaapi"
)

func main() {
	cfgPath := flag.String("config", "procman.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Printf("procmand node=%s routers=%d control=%t event_store.kafka=%t dispatcher.rabbitmq=%t",
		cfg.Server.NodeID, len(cfg.Routers), cfg.Control.Enabled,
		cfg.EventStore.Kafka.Enabled, cfg.Dispatcher.RabbitMQ.Enabled)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	node, err := procman.Start(ctx, cfg, map[string]sagaapi.UserModule{})
	if err != nil {
		log.Fatalf("start node: %v", err)
	}

	<-ctx.Done()
	log.Printf("procmand shutting down")
	if err := node.Close(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
