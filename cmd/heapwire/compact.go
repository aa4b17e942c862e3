package main

import (
	"flag"
	"fmt"

	"github.com/chazu/heapwire/config"
	"github.com/chazu/heapwire/heap"
	"github.com/chazu/heapwire/isolate"
)

// handleCompactCommand processes the `heapwire compact` subcommand.
// Usage:
//
//	heapwire compact [-objects N] [-survive F]
//
// Allocates N small arrays, keeps a fraction F of them reachable from the
// isolate stack and runs one collection.
func handleCompactCommand(cfg *config.Config, args []string, verbose bool) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	objects := fs.Int("objects", 10000, "Number of objects to allocate")
	survive := fs.Float64("survive", 0.1, "Fraction of objects kept alive")
	fs.Parse(args)

	if *objects < 0 || *survive < 0 || *survive > 1 {
		return fmt.Errorf("-objects must be non-negative and -survive in [0, 1]")
	}

	rt := isolate.NewRuntime(cfg.RuntimeOptions())
	defer rt.Shutdown()
	g, err := rt.NewGroup("compact")
	if err != nil {
		return err
	}
	iso := g.NewIsolate("main")

	kept := 0
	g.Mutate(func(h *heap.Heap) {
		for i := 0; i < *objects; i++ {
			v := h.NewArrayOf(heap.FromSmi(int64(i)), h.NewString(fmt.Sprintf("object %d", i)))
			// Keep every object that moves the running survivor count up.
			if int(float64(i+1)**survive) > int(float64(i)**survive) {
				iso.Stack().Push(v)
				kept++
			}
		}
	})
	if verbose {
		fmt.Printf("allocated %d objects, %d reachable\n", *objects, kept)
	}

	s := g.CollectGarbage()
	c := s.Compaction
	fmt.Printf("marked:     %d objects, %d bytes\n", s.MarkedObjects, s.MarkedBytes)
	fmt.Printf("moved:      %d objects, %d bytes\n", c.MovedObjects, c.MovedBytes)
	fmt.Printf("pages:      %d -> %d (%d freed, %d pinned blocks)\n", c.PagesBefore, c.PagesAfter, c.PagesFreed, c.PinnedBlocks)
	fmt.Printf("forwarded:  %d slots\n", c.ForwardedSlots)
	fmt.Printf("capacity:   %d -> %d bytes\n", s.CapacityBefore, s.CapacityAfter)
	fmt.Printf("duration:   %s\n", s.Duration)
	return nil
}
