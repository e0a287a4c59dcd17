package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"hop-rpc/codec"
	"hop-rpc/node"
)

// A node file looks like:
//
//	node {
//	  id            = env.HOP_NODE_ID
//	  display_name  = "edge-1"
//	  workflow_host = true
//	}
//	listen  = ["tcp://0.0.0.0:7001"]
//	connect = ["tcp://10.0.0.2:7001"]
//	timeouts {
//	  request    = "40s"
//	  forwarding = "35s"
//	}
//
// Attributes left out keep their defaults. The env object exposes the
// process environment.
type fileConfig struct {
	Node      *nodeBlock      `hcl:"node,block"`
	Listen    []string        `hcl:"listen,optional"`
	Connect   []string        `hcl:"connect,optional"`
	Relays    []string        `hcl:"relays,optional"`
	Codec     *string         `hcl:"codec,optional"`
	HopLimit  *int            `hcl:"hop_limit,optional"`
	Timeouts  *timeoutsBlock  `hcl:"timeouts,block"`
	RateLimit *rateLimitBlock `hcl:"rate_limit,block"`
	Directory *directoryBlock `hcl:"directory,block"`
	Log       *logBlock       `hcl:"log,block"`
}

type nodeBlock struct {
	ID           *string `hcl:"id,optional"`
	DisplayName  *string `hcl:"display_name,optional"`
	WorkflowHost *bool   `hcl:"workflow_host,optional"`
}

type timeoutsBlock struct {
	Request        *string `hcl:"request,optional"`
	Forwarding     *string `hcl:"forwarding,optional"`
	StartupConnect *string `hcl:"startup_connect_delay,optional"`
}

type rateLimitBlock struct {
	PerSecond float64 `hcl:"per_second"`
	Burst     int     `hcl:"burst"`
}

type directoryBlock struct {
	Endpoints []string `hcl:"endpoints"`
	TTL       *string  `hcl:"ttl,optional"`
}

type logBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// LoadFile reads an HCL node file on top of Default(). The result is not
// validated.
func LoadFile(path string) (*ContactConfiguration, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", path, diags.Error())
	}
	return decode(file, path)
}

// Parse is LoadFile for in-memory source; filename is used in diagnostics.
func Parse(src []byte, filename string) (*ContactConfiguration, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", filename, diags.Error())
	}
	return decode(file, filename)
}

func decode(file *hcl.File, filename string) (*ContactConfiguration, error) {
	var fc fileConfig
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &fc); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %s", filename, diags.Error())
	}
	cfg := Default()
	if err := fc.apply(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

func (fc *fileConfig) apply(cfg *ContactConfiguration) error {
	var err error
	if n := fc.Node; n != nil {
		if n.ID != nil {
			cfg.NodeID = node.Identifier(*n.ID)
		}
		if n.DisplayName != nil {
			cfg.DisplayName = *n.DisplayName
		}
		if n.WorkflowHost != nil {
			cfg.WorkflowHost = *n.WorkflowHost
		}
	}

	if cfg.ServerContactPoints, err = ParseContactPoints(fc.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if cfg.InitialContactPoints, err = ParseContactPoints(fc.Connect); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if cfg.DefaultRelays, err = ParseContactPoints(fc.Relays); err != nil {
		return fmt.Errorf("relays: %w", err)
	}

	if fc.Codec != nil {
		if cfg.Codec, err = codec.ParseCodecType(*fc.Codec); err != nil {
			return err
		}
	}
	if fc.HopLimit != nil {
		cfg.HopLimit = *fc.HopLimit
	}

	if t := fc.Timeouts; t != nil {
		if err := setDuration(&cfg.RequestTimeout, "timeouts.request", t.Request); err != nil {
			return err
		}
		if err := setDuration(&cfg.ForwardingTimeout, "timeouts.forwarding", t.Forwarding); err != nil {
			return err
		}
		if err := setDuration(&cfg.StartupConnectDelay, "timeouts.startup_connect_delay", t.StartupConnect); err != nil {
			return err
		}
	}
	if r := fc.RateLimit; r != nil {
		cfg.RateLimit = r.PerSecond
		cfg.RateBurst = r.Burst
	}
	if d := fc.Directory; d != nil {
		cfg.DirectoryEndpoints = d.Endpoints
		if err := setDuration(&cfg.DirectoryTTL, "directory.ttl", d.TTL); err != nil {
			return err
		}
	}
	if l := fc.Log; l != nil {
		if l.Level != nil {
			cfg.LogLevel = *l.Level
		}
		if l.Format != nil {
			cfg.LogFormat = *l.Format
		}
	}
	return nil
}

func setDuration(dst *time.Duration, name string, value *string) error {
	if value == nil {
		return nil
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}
