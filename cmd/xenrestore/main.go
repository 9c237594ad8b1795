// Command xenrestore is a thin wrapper around package restore: it parses
// flags, opens the hypervisor device and the checkpoint stream, and hands
// both to restore.Run. The transport, the save side, and hypercall
// plumbing itself are out of scope for the engine (spec §1); this binary
// is where that scope is assembled.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"

	"github.com/restorevm/xenrestore/hypervisor"
	"github.com/restorevm/xenrestore/restore"
	"github.com/restorevm/xenrestore/xstream"
)

// CLI is the kong command tree, following the same Parse/Run shape as
// the teacher stack's flag package.
type CLI struct {
	Restore RestoreCmd `cmd:"" help:"Restore a suspended guest from a checkpoint stream."`
}

// RestoreCmd drives one restore.Run invocation.
type RestoreCmd struct {
	Domain        uint32 `help:"Target domain id." required:""`
	MaxPFN        uint64 `help:"Number of pseudo-physical frames the stream encodes." required:""`
	StoreEvtchn   uint32 `help:"Event channel bound for the xenstore ring." required:""`
	ConsoleEvtchn uint32 `help:"Event channel bound for the console ring." required:""`
	Device        string `help:"Privcmd-style hypervisor device file." default:"/dev/xen/privcmd"`
	Stream        string `help:"Checkpoint stream path, or - for stdin." default:"-"`
	FlatKernelCS  uint16 `help:"Flat kernel code selector used to sanitize the restored context." default:"0x0e033"`
	FlatKernelDS  uint16 `help:"Flat kernel data selector used to sanitize the restored context." default:"0x0e02b"`
}

// Run implements component wiring: it is the one place in the module
// allowed to touch os.File and log directly, matching how vmm/migrate.go
// is the teacher stack's own boundary between CLI plumbing and the core
// engine.
func (c *RestoreCmd) Run() error {
	dev, err := os.OpenFile(c.Device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open hypervisor device %s: %w", c.Device, err)
	}
	defer dev.Close()

	stream := os.Stdin

	if c.Stream != "-" {
		f, err := os.Open(c.Stream)
		if err != nil {
			return fmt.Errorf("open checkpoint stream %s: %w", c.Stream, err)
		}
		defer f.Close()

		stream = f
	}

	hv := hypervisor.NewIoctlClient(dev.Fd())
	in := xstream.New(stream)

	opts := restore.Options{
		DomainID:      c.Domain,
		MaxPFN:        c.MaxPFN,
		StoreEvtchn:   c.StoreEvtchn,
		ConsoleEvtchn: c.ConsoleEvtchn,
		FlatKernelCS:  c.FlatKernelCS,
		FlatKernelDS:  c.FlatKernelDS,
		Logger:        log.Default(),
	}

	summary, err := restore.New(opts, hv, in).Run(context.Background())
	if err != nil {
		return fmt.Errorf("restore domain %d: %w", c.Domain, err)
	}

	log.Printf("restored domain %d: %d pages, %d pt races, store_mfn=%d console_mfn=%d",
		c.Domain, summary.Stats.PagesLoaded, summary.Stats.PTRaces, summary.StoreMFN, summary.ConsoleMFN)

	return nil
}

func main() {
	cli := CLI{}

	ctx := kong.Parse(&cli,
		kong.Name("xenrestore"),
		kong.Description("xenrestore reconstructs a suspended guest domain from a checkpoint stream."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}
