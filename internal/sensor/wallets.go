package sensor

import (
	"sort"
	"strings"
)

// WalletEnvPrefix marks environment variables holding monitored addresses.
const WalletEnvPrefix = "MONITOR_WALLET_"

// DemoWallets are monitored when no wallet is configured.
var DemoWallets = []string{
	"7xKs1aTF7YbL8C9s3mZNbGKPFXCWuBvf9Ss623VQ5DA",
	"9mNp2bK8fG3cCd4sVhMnBkLpQrTt5RwXyZ7nE8hS1kL",
}

// MonitoredWallets returns the non-empty MONITOR_WALLET_* values from
// environ (KEY=VALUE pairs) ordered by variable name, or DemoWallets.
func MonitoredWallets(environ []string) []string {
	type kv struct{ key, value string }
	var found []kv
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, WalletEnvPrefix) || strings.TrimSpace(value) == "" {
			continue
		}
		found = append(found, kv{key, strings.TrimSpace(value)})
	}
	if len(found) == 0 {
		return append([]string(nil), DemoWallets...)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].key < found[j].key })

	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, f.value)
	}
	return out
}

// RPCEndpoint is a detected Solana RPC provider.
type RPCEndpoint struct {
	URL      string
	Provider string
}

// PublicRPC is the unauthenticated mainnet endpoint.
const PublicRPC = "https://api.mainnet-beta.solana.com"

// DetectRPC picks the RPC endpoint from the environment: an explicit
// SOLANA_RPC_URL wins, then Helius, QuickNode and Alchemy credentials, then
// the public endpoint.
func DetectRPC(getenv func(string) string) RPCEndpoint {
	if url := getenv("SOLANA_RPC_URL"); url != "" {
		return RPCEndpoint{URL: url, Provider: "custom"}
	}
	if key := getenv("HELIUS_API_KEY"); key != "" {
		return RPCEndpoint{URL: "https://mainnet.helius-rpc.com/?api-key=" + key, Provider: "helius"}
	}
	if url := getenv("QUICKNODE_RPC_URL"); url != "" {
		return RPCEndpoint{URL: url, Provider: "quicknode"}
	}
	if key := getenv("ALCHEMY_API_KEY"); key != "" {
		return RPCEndpoint{URL: "https://solana-mainnet.g.alchemy.com/v2/" + key, Provider: "alchemy"}
	}
	return RPCEndpoint{URL: PublicRPC, Provider: "public"}
}

// ShortAddress abbreviates an address for logs.
func ShortAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-8:]
}
