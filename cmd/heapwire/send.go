package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chazu/heapwire/config"
	"github.com/chazu/heapwire/heap"
	"github.com/chazu/heapwire/isolate"
	"github.com/chazu/heapwire/snapshot"
	"github.com/chazu/heapwire/snapshot/api"
)

// handleSendCommand processes the `heapwire send` subcommand.
// Usage:
//
//	heapwire send -in value.cbor -out msg.cbor [-port N] [-oob]
//
// The value is posted to an isolate port through the native API, read into
// the isolate heap, then serialized again from the heap into the envelope.
func handleSendCommand(cfg *config.Config, args []string, verbose bool) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	in := fs.String("in", "-", "CBOR value to send (- for stdin)")
	out := fs.String("out", "-", "Envelope output file (- for stdout)")
	port := fs.Int64("port", 0, "Destination port recorded in the envelope")
	oob := fs.Bool("oob", false, "Send with out-of-band priority")
	timeout := fs.Duration("timeout", 10*time.Second, "Receive timeout")
	fs.Parse(args)

	data, err := readInput(*in)
	if err != nil {
		return err
	}
	value, err := api.FromCBOR(data)
	if err != nil {
		return err
	}
	priority := snapshot.NormalPriority
	if *oob {
		priority = snapshot.OOBPriority
	}

	rt := isolate.NewRuntime(cfg.RuntimeOptions())
	defer rt.Shutdown()
	g, err := rt.NewGroup("cli")
	if err != nil {
		return err
	}
	iso := g.NewIsolate("main")
	p := iso.NewPort()
	if err := rt.PostCObject(p.ID(), value, priority); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	v, err := iso.Receive(ctx, p)
	if err != nil {
		return err
	}

	var m *snapshot.Message
	g.Mutate(func(h *heap.Heap) {
		m, err = snapshot.WriteMessage(h, v, *port, priority)
	})
	if err != nil {
		return err
	}
	envelope, err := snapshot.MarshalMessage(m)
	if err != nil {
		return err
	}
	if err := writeOutput(*out, envelope); err != nil {
		return err
	}
	if verbose {
		fmt.Printf("message %s: %d snapshot bytes, %d out-of-band payloads, %d envelope bytes\n",
			m.ID, m.Size(), m.Finalizable.Len(), len(envelope))
	}
	return nil
}
