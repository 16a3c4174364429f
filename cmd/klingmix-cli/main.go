// klingmix-cli is a command-line client for a running klingmixd.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
	"github.com/Klingon-tech/klingnet-mix/internal/rpc"
	"github.com/Klingon-tech/klingnet-mix/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	rpcURL := "http://127.0.0.1:8555"

	// Scan for --rpc and --testnet before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--testnet":
			rpcURL = "http://127.0.0.1:8655"
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "config":
		cmdConfig(client)
	case "start":
		cmdToggle(client, "mixing_start")
	case "stop":
		cmdToggle(client, "mixing_stop")
	case "denominate":
		cmdDenominate(client)
	case "reset":
		cmdSimple(client, "mixing_reset", "Mixing pool reset.")
	case "clearskipped":
		cmdSimple(client, "mixing_clearSkipped", "Skipped denominations cleared.")
	case "balance":
		cmdBalance(client)
	case "newaddress":
		cmdNewAddress(client)
	case "send":
		cmdSend(client, cmdArgs)
	case "backup":
		cmdBackup(client)
	case "peers":
		cmdPeers(client)
	case "bans":
		cmdBans(client)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingmix-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         klingmixd RPC endpoint (default: http://127.0.0.1:8555)
  --testnet           Use the testnet default endpoint

Commands:
  status                          Show mixing status and balances
  config                          Show mixing settings
  start                           Enable automatic mixing
  stop                            Disable mixing and abort the current round
  denominate                      Run one mixing attempt now
  reset                           Abort the current round
  clearskipped                    Forget denominations skipped for lack of funds
  balance                         Show wallet balance
  newaddress                      Get a fresh receive address
  send --to <addr> --amount <amt> Send coins
  backup                          Write a wallet backup
  peers                           Show connected peers
  bans                            Show banned peers
`)
}

// ── mixing ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var st rpc.MixingStatusResult
	if err := client.Call("mixing_getStatus", nil, &st); err != nil {
		fatal("mixing_getStatus: %v", err)
	}

	fmt.Printf("Enabled:      %v\n", st.Enabled)
	fmt.Printf("State:        %s\n", st.StateName)
	if st.SessionID != 0 {
		fmt.Printf("Session:      %d\n", st.SessionID)
		fmt.Printf("Denomination: %s\n", mixing.FormatAmount(st.Denomination))
		fmt.Printf("Entries:      %d\n", st.EntriesCount)
	}
	if st.MixingPeer != "" {
		fmt.Printf("Mixing peer:  %s\n", st.MixingPeer)
	}
	fmt.Printf("Message:      %s\n", st.Message)
	if st.AutoDenomResult != "" {
		fmt.Printf("Last result:  %s\n", st.AutoDenomResult)
	}
	fmt.Printf("Height:       %d\n", st.BlockHeight)
	fmt.Printf("Queues:       %d\n", st.KnownQueues)
	fmt.Printf("Keys left:    %d\n", st.KeysLeft)
	if len(st.SkippedDenominations) > 0 {
		skipped := make([]string, len(st.SkippedDenominations))
		for i, d := range st.SkippedDenominations {
			skipped[i] = mixing.FormatAmount(d)
		}
		fmt.Printf("Skipped:      %s\n", strings.Join(skipped, ", "))
	}

	b := st.Balances
	fmt.Println()
	fmt.Printf("Total:        %s\n", mixing.FormatAmount(b.Total))
	fmt.Printf("Anonymized:   %s\n", mixing.FormatAmount(b.Anonymized))
	fmt.Printf("Anonymizable: %s\n", mixing.FormatAmount(b.Anonymizable))
	fmt.Printf("Denominated:  %s (unconfirmed %s)\n",
		mixing.FormatAmount(b.Denominated), mixing.FormatAmount(b.DenominatedUnconf))
	fmt.Printf("Collateral:   %v\n", b.HasCollateral)
}

func cmdConfig(client *rpcclient.Client) {
	var c rpc.MixingConfigResult
	if err := client.Call("mixing_getConfig", nil, &c); err != nil {
		fatal("mixing_getConfig: %v", err)
	}

	fmt.Printf("Enabled:          %v\n", c.Enabled)
	fmt.Printf("Rounds:           %d\n", c.Rounds)
	fmt.Printf("Amount:           %d\n", c.Amount)
	fmt.Printf("Liquidity:        %d\n", c.LiquidityProvider)
	fmt.Printf("Multi-session:    %v\n", c.MultiSession)
	fmt.Printf("Auto backup:      %v\n", c.AutoBackup)
	fmt.Printf("Min blocks:       %d\n", c.MinBlocksToWait)
	fmt.Printf("Max proto errors: %d\n", c.MaxProtocolErrors)
}

func cmdToggle(client *rpcclient.Client, method string) {
	var res rpc.ToggleResult
	if err := client.Call(method, nil, &res); err != nil {
		fatal("%s: %v", method, err)
	}
	if res.Enabled {
		fmt.Println("Mixing enabled.")
	} else {
		fmt.Println("Mixing disabled.")
	}
}

func cmdDenominate(client *rpcclient.Client) {
	var res rpc.DenominateOnceResult
	if err := client.Call("mixing_denominateOnce", nil, &res); err != nil {
		fatal("mixing_denominateOnce: %v", err)
	}
	if res.Started {
		fmt.Printf("Started: %s\n", res.Message)
	} else {
		fmt.Printf("Not started: %s\n", res.Message)
	}
}

func cmdSimple(client *rpcclient.Client, method, done string) {
	if err := client.Call(method, nil, nil); err != nil {
		fatal("%s: %v", method, err)
	}
	fmt.Println(done)
}

// ── wallet ──────────────────────────────────────────────────────────────

func cmdBalance(client *rpcclient.Client) {
	var bal rpc.WalletBalanceResult
	if err := client.Call("wallet_getBalance", nil, &bal); err != nil {
		fatal("wallet_getBalance: %v", err)
	}
	fmt.Printf("Height:      %d\n", bal.Height)
	fmt.Printf("Confirmed:   %s\n", mixing.FormatAmount(bal.Confirmed))
	fmt.Printf("Unconfirmed: %s\n", mixing.FormatAmount(bal.Unconfirmed))
	fmt.Printf("Locked:      %s\n", mixing.FormatAmount(bal.Locked))
}

func cmdNewAddress(client *rpcclient.Client) {
	var res rpc.AddressResult
	if err := client.Call("wallet_newAddress", nil, &res); err != nil {
		fatal("wallet_newAddress: %v", err)
	}
	fmt.Println(res.Address)
}

func cmdSend(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "Recipient address")
	amountStr := fs.String("amount", "", "Amount in coins (e.g. 1.5)")
	fs.Parse(args)

	if *to == "" || *amountStr == "" {
		fatal("--to and --amount are required")
	}
	if _, err := types.ParseAddress(*to); err != nil {
		fatal("invalid address: %v", err)
	}
	amount, err := parseAmount(*amountStr)
	if err != nil {
		fatal("invalid amount: %v", err)
	}
	if amount == 0 {
		fatal("amount must be positive")
	}

	var res rpc.SendResult
	if err := client.Call("wallet_send", rpc.SendParam{To: *to, Amount: amount}, &res); err != nil {
		fatal("wallet_send: %v", err)
	}
	fmt.Printf("Sent %s: %s\n", mixing.FormatAmount(amount), res.TxHash)
}

func cmdBackup(client *rpcclient.Client) {
	var res rpc.BackupResult
	if err := client.Call("wallet_backup", nil, &res); err != nil {
		fatal("wallet_backup: %v", err)
	}
	fmt.Printf("Backup written to %s\n", res.Path)
}

// ── network ─────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	var node rpc.NodeInfoResult
	if err := client.Call("net_getNodeInfo", nil, &node); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}

	fmt.Printf("Node ID: %s\n", node.ID)
	for _, a := range node.Addrs {
		fmt.Printf("  Listen: %s\n", a)
	}

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}

	fmt.Printf("Peers:   %d\n", peers.Count)
	for _, p := range peers.Peers {
		mark := ""
		switch {
		case p.Mixing:
			mark = " [mixing]"
		case p.Mixer:
			mark = " [mixer]"
		}
		fmt.Printf("  %s (%s, connected: %s)%s\n", p.ID, p.Source, p.ConnectedAt, mark)
	}
}

func cmdBans(client *rpcclient.Client) {
	var bans rpc.BanListResult
	if err := client.Call("net_getBanList", nil, &bans); err != nil {
		fatal("net_getBanList: %v", err)
	}

	fmt.Printf("Banned: %d\n", bans.Count)
	for _, b := range bans.Bans {
		expires := time.Unix(b.ExpiresAt, 0).Format(time.RFC3339)
		fmt.Printf("  %s score=%d until %s: %s\n", b.ID, b.Score, expires, b.Reason)
	}
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
