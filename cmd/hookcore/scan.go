package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/0xffffa/hookbus/memory"
	"github.com/0xffffa/hookbus/sandbox"
	"github.com/0xffffa/hookbus/signature"
)

type scanOptions struct {
	pattern string
	match   int
	offset  int
	image   string
	base    uint64
	all     bool
}

func newScanCmd() *cobra.Command {
	var o scanOptions
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Resolve a byte pattern against an image file or the sandbox host",
		Example: `  hookcore scan --pattern "E8 ?? ?? ?? ?? 90 90"
  hookcore scan --pattern "55 8B EC" --image game.bin --base 0x400000 --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(o, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&o.pattern, "pattern", "", "Byte pattern, hex bytes with ?? wildcards (required)")
	cmd.Flags().IntVar(&o.match, "match", 0, "Zero-based match index to resolve")
	cmd.Flags().IntVar(&o.offset, "offset", 0, "Offset added to the match address")
	cmd.Flags().StringVar(&o.image, "image", "", "Raw image file to scan instead of the sandbox host")
	cmd.Flags().Uint64Var(&o.base, "base", sandbox.ImageBase, "Load address of --image")
	cmd.Flags().BoolVar(&o.all, "all", false, "List every match instead of resolving one")
	cmd.MarkFlagRequired("pattern")
	return cmd
}

func runScan(o scanOptions, out io.Writer) error {
	p, err := signature.ParsePattern(o.pattern)
	if err != nil {
		return err
	}

	var sim *memory.Sim
	var mod memory.Module
	if o.image != "" {
		data, err := os.ReadFile(o.image)
		if err != nil {
			return fmt.Errorf("reading image: %w", err)
		}
		sim = memory.NewSim()
		if mod, err = sim.LoadModule(filepath.Base(o.image), uintptr(o.base), data); err != nil {
			return err
		}
	} else {
		host, err := sandbox.New()
		if err != nil {
			return fmt.Errorf("building sandbox host: %w", err)
		}
		sim, mod = host.Sim, host.Module
	}

	if o.all {
		image, err := sim.Read(mod.Base, int(mod.Size))
		if err != nil {
			return err
		}
		hits := p.Scan(image, 0)
		for i, off := range hits {
			fmt.Fprintf(out, "%d\t%#x\t%s+%#x\n", i, mod.Base+uintptr(off+o.offset), mod.Name, off+o.offset)
		}
		if len(hits) == 0 {
			return &signature.NotFoundError{Pattern: p, Match: 0, Found: 0}
		}
		return nil
	}

	addr, err := signature.NewStore(sim, mod).Resolve(p, o.match, o.offset)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%#x\t%s+%#x\n", addr, mod.Name, addr-mod.Base)
	return nil
}
