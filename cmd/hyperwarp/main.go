// Command hyperwarp is a small demonstration of the translation engine:
// it reserves a hugepage-backed region, initialises the engine against it
// (which registers the whole reservation as an environment segment),
// resolves an address, and attaches a logging-only block device to a
// single page of that reservation to show the intended consumer pattern.
package main

import (
	"fmt"
	"os"

	"hyperwarp/src/bdev"
	"hyperwarp/src/bounds"
	"hyperwarp/src/defs"
	"hyperwarp/src/engine"
	"hyperwarp/src/envmem"
)

type logDevice struct{ name string }

func (d logDevice) Name() string { return d.name }

func (d logDevice) DMARead(busAddr, length uint64) error {
	fmt.Printf("%s: DMA read %#x bytes from bus addr %#x\n", d.name, length, busAddr)
	return nil
}

func (d logDevice) DMAWrite(busAddr, length uint64) error {
	fmt.Printf("%s: DMA write %#x bytes to bus addr %#x\n", d.name, length, busAddr)
	return nil
}

func main() {
	pm, err := envmem.OpenProcPagemap()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hyperwarp:", err)
		os.Exit(1)
	}

	hp, err := envmem.Reserve(16*bounds.PageSize, pm)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hyperwarp:", err)
		os.Exit(1)
	}
	defer hp.Release()

	engine.Init(hp, pm)
	defer engine.Shutdown()

	dev, derr := bdev.Attach(logDevice{name: "nullblk0"}, hp.Base()+bounds.PageSize, bounds.PageSize)
	if derr != defs.OK {
		fmt.Fprintln(os.Stderr, "hyperwarp: attach failed:", derr)
		os.Exit(1)
	}
	defer dev.Detach()

	phys := engine.Vtophys(hp.Base())
	fmt.Printf("hyperwarp: %#x -> %#x\n", hp.Base(), phys)

	if e := dev.SubmitRead(hp.Base()+bounds.PageSize, bounds.PageSize); e != defs.OK {
		fmt.Fprintln(os.Stderr, "hyperwarp: submit read failed:", e)
	}

	fmt.Println(engine.Stats())
}
