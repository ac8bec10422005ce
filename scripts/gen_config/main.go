package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-crossbar/internal/config"
)

// Writes a network config of depth conv layers, doubling the channel count
// every layer. The first layer reads raw input; the rest read activations.
func main() {
	out := flag.String("o", "net.json", "output path")
	depth := flag.Int("depth", 3, "number of conv layers")
	channels := flag.Int("channels", 1, "input channels")
	qbit := flag.Int("qbit", 8, "activation bit width")
	wbit := flag.Int("wbit", 4, "weight bit width")
	flag.Parse()

	m := 0.9
	cfg := config.Default()
	in := *channels
	for i := 0; i < *depth; i++ {
		inMode := config.SiteConfig{Mode: "activation_in", QBit: *qbit, Momentum: &m}
		if i == 0 {
			inMode = config.SiteConfig{Mode: "input", QBit: *qbit}
		}
		cfg.Layers = append(cfg.Layers, config.LayerSpec{
			Name:        fmt.Sprintf("conv%d", i),
			InChannels:  in,
			OutChannels: in * 2,
			Kernel:      [2]int{3, 3},
			Padding:     [2]int{1, 1},
			Power:       true,
			Quant: config.QuantConfig{
				Input:  inMode,
				Weight: config.SiteConfig{Mode: "weight", QBit: *wbit},
				Output: config.SiteConfig{Mode: "activation_out", QBit: *qbit, Momentum: &m},
			},
		})
		in *= 2
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, append(data, '\n'), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d layers to %s\n", *depth, *out)
}
