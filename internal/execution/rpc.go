package execution

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
)

var defaultRPCByCluster = map[string]rpc.Cluster{
	"mainnet-beta": rpc.MainNetBeta,
	"mainnet":      rpc.MainNetBeta,
	"devnet":       rpc.DevNet,
	"testnet":      rpc.TestNet,
	"localnet":     rpc.LocalNet,
}

// DefaultCluster returns the public endpoints for a named Solana cluster.
func DefaultCluster(name string) (rpc.Cluster, bool) {
	v, ok := defaultRPCByCluster[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

// ResolveRPCURL prefers an explicit endpoint, then a cluster name.
func ResolveRPCURL(override, cluster string) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if v, ok := DefaultCluster(cluster); ok {
		return v.RPC, nil
	}
	return "", fmt.Errorf("no default rpc configured for cluster %q; set solana.rpc_url", cluster)
}

// ResolveWSURL prefers an explicit endpoint, then derives one from the RPC URL.
func ResolveWSURL(override, rpcURL string) string {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override)
	}
	for _, c := range defaultRPCByCluster {
		if c.RPC == rpcURL {
			return c.WS
		}
	}
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	}
	return rpcURL
}
