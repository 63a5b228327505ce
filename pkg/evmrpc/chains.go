package evmrpc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Chain describes one network's RPC configuration. Endpoints are tried in
// listed order.
type Chain struct {
	Name      string   `yaml:"name"`
	ChainID   uint64   `yaml:"chain_id"`
	Endpoints []string `yaml:"endpoints"`
}

type chainsFile struct {
	Chains []Chain `yaml:"chains"`
}

// LoadChains reads a chains YAML file:
//
//	chains:
//	  - name: base
//	    chain_id: 8453
//	    endpoints:
//	      - https://rpc-a.example
//	      - https://rpc-b.example
func LoadChains(path string) ([]Chain, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("evmrpc: read chains file: %w", err)
	}
	var f chainsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("evmrpc: parse chains file: %w", err)
	}
	if len(f.Chains) == 0 {
		return nil, fmt.Errorf("evmrpc: chains file %q declares no chains", path)
	}
	for _, ch := range f.Chains {
		if ch.Name == "" {
			return nil, fmt.Errorf("evmrpc: chain with missing name in %q", path)
		}
		if len(ch.Endpoints) == 0 {
			return nil, fmt.Errorf("evmrpc: chain %q declares no endpoints", ch.Name)
		}
	}
	return f.Chains, nil
}

// FindChain returns the named chain from a loaded list.
func FindChain(chains []Chain, name string) (Chain, error) {
	for _, ch := range chains {
		if ch.Name == name {
			return ch, nil
		}
	}
	return Chain{}, fmt.Errorf("evmrpc: chain %q not configured", name)
}
