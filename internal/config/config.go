package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-crossbar/internal/cpu"
	"github.com/23skdu/longbow-crossbar/internal/quant"
)

// SiteConfig is one entry of the {"input","weight","output"} quantization map.
type SiteConfig struct {
	Mode     string   `json:"mode"`
	QBit     int      `json:"qbit"`
	Momentum *float64 `json:"momentum,omitempty"`
}

type QuantConfig struct {
	Input  SiteConfig `json:"input"`
	Weight SiteConfig `json:"weight"`
	Output SiteConfig `json:"output"`
}

// QuantConfigFromMap accepts the nested mapping form, e.g.
// {"input": {"mode": "activation_in", "qbit": 8, "momentum": 0.9}, ...}.
func QuantConfigFromMap(m map[string]map[string]interface{}) (QuantConfig, error) {
	var q QuantConfig
	for _, site := range []struct {
		key string
		dst *SiteConfig
	}{{"input", &q.Input}, {"weight", &q.Weight}, {"output", &q.Output}} {
		raw, ok := m[site.key]
		if !ok {
			return QuantConfig{}, fmt.Errorf("missing quantization site %q", site.key)
		}
		sc, err := siteFromMap(raw)
		if err != nil {
			return QuantConfig{}, fmt.Errorf("site %q: %w", site.key, err)
		}
		*site.dst = sc
	}
	return q, nil
}

func siteFromMap(raw map[string]interface{}) (SiteConfig, error) {
	var sc SiteConfig
	mode, ok := raw["mode"].(string)
	if !ok {
		return sc, fmt.Errorf("mode must be a string, got %T", raw["mode"])
	}
	sc.Mode = mode

	qbit, err := toFloat(raw["qbit"])
	if err != nil {
		return sc, fmt.Errorf("qbit: %w", err)
	}
	if qbit != float64(int(qbit)) {
		return sc, fmt.Errorf("qbit must be an integer, got %v", qbit)
	}
	sc.QBit = int(qbit)

	if v, ok := raw["momentum"]; ok {
		m, err := toFloat(v)
		if err != nil {
			return sc, fmt.Errorf("momentum: %w", err)
		}
		sc.Momentum = &m
	}
	return sc, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// Policies parses the mode tags and validates every site.
func (q QuantConfig) Policies() (quant.SitePolicies, error) {
	var s quant.SitePolicies
	var err error
	if s.Input, err = quant.NewPolicy(q.Input.Mode, q.Input.QBit, q.Input.Momentum); err != nil {
		return s, fmt.Errorf("input: %w", err)
	}
	if s.Weight, err = quant.NewPolicy(q.Weight.Mode, q.Weight.QBit, q.Weight.Momentum); err != nil {
		return s, fmt.Errorf("weight: %w", err)
	}
	if s.Output, err = quant.NewPolicy(q.Output.Mode, q.Output.QBit, q.Output.Momentum); err != nil {
		return s, fmt.Errorf("output: %w", err)
	}
	return s, s.Validate()
}

type LayerSpec struct {
	Name        string      `json:"name"`
	InChannels  int         `json:"in_channels"`
	OutChannels int         `json:"out_channels"`
	Kernel      [2]int      `json:"kernel"`
	Stride      [2]int      `json:"stride"`
	Padding     [2]int      `json:"padding"`
	Dilation    [2]int      `json:"dilation"`
	Groups      int         `json:"groups"`
	Bias        *bool       `json:"bias,omitempty"`
	Power       bool        `json:"power"`
	Quant       QuantConfig `json:"quant"`
}

// Geometry fills zero stride, dilation and groups with 1.
func (l LayerSpec) Geometry() cpu.Geometry {
	g := cpu.Geometry{
		Stride:   l.Stride,
		Padding:  l.Padding,
		Dilation: l.Dilation,
		Groups:   l.Groups,
	}
	for i := 0; i < 2; i++ {
		if g.Stride[i] == 0 {
			g.Stride[i] = 1
		}
		if g.Dilation[i] == 0 {
			g.Dilation[i] = 1
		}
	}
	if g.Groups == 0 {
		g.Groups = 1
	}
	return g
}

func (l LayerSpec) HasBias() bool {
	return l.Bias == nil || *l.Bias
}

func (l LayerSpec) Validate() error {
	if l.InChannels <= 0 {
		return fmt.Errorf("invalid in_channels: %d (must be positive)", l.InChannels)
	}
	if l.OutChannels <= 0 {
		return fmt.Errorf("invalid out_channels: %d (must be positive)", l.OutChannels)
	}
	if l.Kernel[0] <= 0 || l.Kernel[1] <= 0 {
		return fmt.Errorf("invalid kernel: %v (must be positive)", l.Kernel)
	}
	g := l.Geometry()
	if err := g.Validate(); err != nil {
		return err
	}
	if l.InChannels%g.Groups != 0 || l.OutChannels%g.Groups != 0 {
		return fmt.Errorf("channels in=%d out=%d not divisible by groups=%d", l.InChannels, l.OutChannels, g.Groups)
	}
	if _, err := l.Quant.Policies(); err != nil {
		return err
	}
	return nil
}

type Config struct {
	Layers []LayerSpec `json:"layers"`

	Batch  int `json:"batch"`
	Height int `json:"height"`
	Width  int `json:"width"`

	WarmupSteps int   `json:"warmup_steps"`
	Seed        int64 `json:"seed"`

	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	MetricsAddr string `json:"metrics_addr"`
	ReportPath  string `json:"report_path"`
	FlightAddr  string `json:"flight_addr"`
}

func (c *Config) Validate() error {
	if len(c.Layers) == 0 {
		return fmt.Errorf("invalid layers: none configured")
	}
	if c.Batch <= 0 {
		return fmt.Errorf("invalid batch: %d (must be positive)", c.Batch)
	}
	if c.Height <= 0 || c.Width <= 0 {
		return fmt.Errorf("invalid input size: %dx%d (must be positive)", c.Height, c.Width)
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("invalid warmup_steps: %d (must be non-negative)", c.WarmupSteps)
	}
	names := make(map[string]bool, len(c.Layers))
	for i, l := range c.Layers {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, l.Name, err)
		}
		if l.Name != "" {
			if names[l.Name] {
				return fmt.Errorf("layer %d: duplicate name %q", i, l.Name)
			}
			names[l.Name] = true
		}
		if i > 0 && c.Layers[i-1].OutChannels != l.InChannels {
			return fmt.Errorf("layer %d (%s): in_channels %d != previous out_channels %d", i, l.Name, l.InChannels, c.Layers[i-1].OutChannels)
		}
	}
	return nil
}

// LayerName returns the configured name or conv<i>.
func (c *Config) LayerName(i int) string {
	if c.Layers[i].Name != "" {
		return c.Layers[i].Name
	}
	return fmt.Sprintf("conv%d", i)
}

func (c *Config) IsJSONLogging() bool {
	return strings.ToLower(c.LogFormat) == "json"
}

func Default() Config {
	return Config{
		Batch:       1,
		Height:      8,
		Width:       8,
		WarmupSteps: 10,
		Seed:        1,
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}

// Parse decodes JSON on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
