package normalize

// fallbackScript is run when the model answered in prose only. It reports
// the balance and recent failed transactions of every monitored wallet.
const fallbackScript = `#!/usr/bin/env python3
import json
import os
import time

import requests

RPC_URL = os.environ.get("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")


def rpc(method, params):
    payload = {"jsonrpc": "2.0", "id": 1, "method": method, "params": params}
    resp = requests.post(RPC_URL, json=payload, timeout=15)
    resp.raise_for_status()
    return resp.json().get("result")


def monitored_wallets():
    wallets = []
    for key, value in sorted(os.environ.items()):
        if key.startswith("MONITOR_WALLET_") and value:
            wallets.append(value)
    return wallets


def main():
    report = {"checked_at": int(time.time()), "wallets": []}
    for address in monitored_wallets():
        entry = {"address": address}
        try:
            balance = rpc("getBalance", [address]) or {}
            signatures = rpc("getSignaturesForAddress", [address, {"limit": 20}]) or []
            entry["lamports"] = balance.get("value", 0)
            entry["failed_transactions"] = sum(1 for s in signatures if s.get("err"))
        except Exception as exc:
            entry["error"] = str(exc)
        report["wallets"].append(entry)
    print(json.dumps(report, indent=2))


if __name__ == "__main__":
    main()`
