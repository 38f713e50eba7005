// Command example wires two in-memory nodes together and syncs a small
// document between them, printing the events as they happen.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	ouroborossync "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/internal/transport"
	"github.com/i5heu/ouroboros-sync/pkg/keys"
	"github.com/i5heu/ouroboros-sync/pkg/logging"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "example failed:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.New(slog.LevelWarn)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	network := transport.NewMemoryNetwork()

	alice, err := newNode(logger, network, "alice")
	if err != nil {
		return err
	}
	defer alice.Close(ctx)
	bob, err := newNode(logger, network, "bob")
	if err != nil {
		return err
	}
	defer bob.Close(ctx)

	author, err := alice.CreateAuthor()
	if err != nil {
		return err
	}
	doc, err := alice.CreateDocument()
	if err != nil {
		return err
	}
	defer doc.Close()

	if _, err := doc.Set(author, []byte("greeting"), []byte("hello from alice")); err != nil {
		return err
	}
	if err := doc.StartSync(ctx, nil); err != nil {
		return err
	}

	share, err := doc.Share(keys.CapRead)
	if err != nil {
		return err
	}
	fmt.Println("ticket:", share)

	bobDoc, err := bob.ImportTicket(ctx, share)
	if err != nil {
		return err
	}
	defer bobDoc.Close()

	sub, err := bobDoc.Subscribe()
	if err != nil {
		return err
	}
	defer sub.Close()

	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for sync")
		case ev := <-sub.Events():
			fmt.Println("event:", ev.Kind)
		case <-poll.C:
			entry, err := bobDoc.GetExact(author.ID(), []byte("greeting"), false)
			if err != nil || entry == nil {
				continue
			}
			value, err := bobDoc.Content(*entry)
			if err != nil {
				continue
			}
			fmt.Printf("bob received: %s\n", value)
			return nil
		}
	}
}

func newNode(logger *slog.Logger, network *transport.MemoryNetwork, name string) (*ouroborossync.Node, error) {
	node, err := ouroborossync.New(ouroborossync.Config{
		InMemory:   true,
		Logger:     logger.With("node", name),
		Transport:  network.NewTransport(model.PeerID(name + "-peer")),
		ListenAddr: name,
	})
	if err != nil {
		return nil, err
	}
	if err := node.Start(context.Background()); err != nil {
		return nil, err
	}
	return node, nil
}
