// vring-layout prints the split virtqueue layout for a queue size and used
// ring alignment.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/c35s/virtguest/virtio/virtq"
	"github.com/davecgh/go-spew/spew"
)

func main() {

	var (
		num   = flag.Int("num", 128, "queue size")
		align = flag.Int("align", 4096, "used ring alignment")
		dump  = flag.Bool("dump", false, "dump the layout struct")
	)

	flag.Parse()

	l, err := virtq.NewLayout(*num, *align)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *dump {
		spew.Dump(l)
		return
	}

	fmt.Printf("# num %d, align %d\n", l.Num, l.Align)
	fmt.Printf("desc   %#06x %6d\n", l.DescOff, l.DescSize())
	fmt.Printf("avail  %#06x %6d\n", l.AvailOff, l.AvailSize())
	fmt.Printf("used   %#06x %6d\n", l.UsedOff, l.UsedSize())
	fmt.Printf("size   %#06x %6d\n", l.Size, l.Size)
}
