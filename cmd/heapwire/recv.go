package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chazu/heapwire/config"
	"github.com/chazu/heapwire/isolate"
	"github.com/chazu/heapwire/snapshot"
	"github.com/chazu/heapwire/snapshot/api"
)

// handleRecvCommand processes the `heapwire recv` subcommand.
// Usage:
//
//	heapwire recv -in msg.cbor [-isolate]
//
// Without -isolate the envelope is decoded through the native API. With it
// the message is delivered to an isolate and the heap it lands in is
// summarized as well.
func handleRecvCommand(cfg *config.Config, args []string, verbose bool) error {
	fs := flag.NewFlagSet("recv", flag.ExitOnError)
	in := fs.String("in", "-", "Envelope to read (- for stdin)")
	intoIsolate := fs.Bool("isolate", false, "Also deliver the message to an isolate")
	timeout := fs.Duration("timeout", 10*time.Second, "Receive timeout")
	fs.Parse(args)

	data, err := readInput(*in)
	if err != nil {
		return err
	}
	m, err := snapshot.UnmarshalMessage(data)
	if err != nil {
		return err
	}
	if verbose {
		fmt.Printf("message %s to port %d (%s): %d snapshot bytes, %d out-of-band payloads\n",
			m.ID, m.DestPort, m.Priority, m.Size(), m.Finalizable.Len())
	}
	if !*intoIsolate {
		o, err := api.ReadMessage(m)
		if err != nil {
			return err
		}
		fmt.Println(o)
		return nil
	}

	// The native reader takes the payloads, so the isolate gets its own
	// decoded copy of the envelope.
	copyOf, err := snapshot.UnmarshalMessage(data)
	if err != nil {
		return err
	}
	o, err := api.ReadMessage(m)
	if err != nil {
		return err
	}
	fmt.Println(o)

	rt := isolate.NewRuntime(cfg.RuntimeOptions())
	defer rt.Shutdown()
	g, err := rt.NewGroup("cli")
	if err != nil {
		return err
	}
	iso := g.NewIsolate("main")
	p := iso.NewPort()
	copyOf.DestPort = p.ID()
	if err := rt.Ports().Post(copyOf); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	v, err := iso.Receive(ctx, p)
	if err != nil {
		return err
	}
	h := iso.Heap()
	fmt.Printf("received %s into isolate %s: heap uses %d of %d bytes\n",
		h.ClassIDOf(v), iso.ID, h.UsedBytes(), h.Capacity())
	return nil
}
