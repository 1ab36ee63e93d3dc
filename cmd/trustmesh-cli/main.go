package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"trustmesh/crypto"
	"trustmesh/native/receipt"
	"trustmesh/sdk/trustmesh"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("TRUSTMESH_RPC_TOKEN")

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	client := trustmesh.NewClient(rpcEndpoint, trustmesh.WithAuthToken(rpcAuthToken))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	command := args[0]
	args = args[1:]
	switch command {
	case "generate-key":
		generateKey()
	case "create":
		createEscrow(ctx, client, args)
	case "deposit":
		requireArgs(args, 3, "deposit <id> <caller> <value>")
		run(client.Deposit(ctx, args[0], args[1], args[2]))
		fmt.Println("Deposit accepted.")
	case "release":
		requireArgs(args, 2, "release <id> <caller>")
		run(client.Release(ctx, args[0], args[1]))
		fmt.Println("Escrow released.")
	case "refund":
		requireArgs(args, 2, "refund <id> <caller>")
		run(client.Refund(ctx, args[0], args[1]))
		fmt.Println("Escrow refunded.")
	case "dispute":
		requireArgs(args, 2, "dispute <id> <caller> [reason]")
		reason := ""
		if len(args) > 2 {
			reason = strings.Join(args[2:], " ")
		}
		run(client.Dispute(ctx, args[0], args[1], reason))
		fmt.Println("Dispute raised.")
	case "resolve":
		requireArgs(args, 3, "resolve <id> <arbiter> <release|refund>")
		run(client.Resolve(ctx, args[0], args[1], args[2]))
		fmt.Println("Dispute resolved.")
	case "get":
		requireArgs(args, 1, "get <id>")
		esc, err := client.GetEscrow(ctx, args[0])
		run(err)
		printJSON(esc)
	case "balance":
		requireArgs(args, 1, "balance <id>")
		balance, err := client.EscrowBalance(ctx, args[0])
		run(err)
		fmt.Println(balance)
	case "receipt":
		receiptCommand(ctx, client, args)
	case "events":
		eventsCommand(ctx, client, args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func createEscrow(ctx context.Context, client *trustmesh.Client, args []string) {
	requireArgs(args, 5, "create <payer> <payee> <arbiter> <amount> <deadline> [description]")
	deadline, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid deadline %q\n", args[4])
		os.Exit(1)
	}
	description := ""
	if len(args) > 5 {
		description = strings.Join(args[5:], " ")
	}
	id, err := client.CreateEscrow(ctx, trustmesh.CreateEscrowRequest{
		Payer:       args[0],
		Payee:       args[1],
		Arbiter:     args[2],
		Amount:      args[3],
		Deadline:    deadline,
		Description: description,
		Nonce:       randomNonce(),
	})
	run(err)
	fmt.Println(id)
}

func receiptCommand(ctx context.Context, client *trustmesh.Client, args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "get":
		requireArgs(args[1:], 1, "receipt get <escrowId>")
		rec, err := client.GetReceipt(ctx, args[1])
		run(err)
		printJSON(rec)
	case "transfer":
		requireArgs(args[1:], 3, "receipt transfer <escrowId> <caller> <to>")
		rec, err := client.TransferReceipt(ctx, args[1], args[2], args[3])
		run(err)
		printJSON(rec)
	case "settle":
		settleReceipt(ctx, client, args[1:])
	default:
		fmt.Printf("Unknown receipt command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

// settleReceipt signs a status update with a local oracle key and
// submits it. It exists for operators recovering a wedged bridge.
func settleReceipt(ctx context.Context, client *trustmesh.Client, args []string) {
	requireArgs(args, 3, "receipt settle <escrowId> <status> <oracle_key_file> [score]")
	status, err := receipt.ParseStatus(args[1])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	key, err := loadPrivateKey(args[2])
	if err != nil {
		fmt.Printf("Error loading oracle key: %v\n", err)
		os.Exit(1)
	}
	var score *uint8
	if len(args) > 3 {
		parsed, err := strconv.ParseUint(args[3], 10, 8)
		if err != nil || parsed > 100 {
			fmt.Printf("Error: score must be 0-100, got %q\n", args[3])
			os.Exit(1)
		}
		val := uint8(parsed)
		score = &val
	}

	digest := receipt.StatusDigest(args[0], status, score)
	sig, err := key.Sign(digest[:])
	if err != nil {
		fmt.Printf("Error signing status update: %v\n", err)
		os.Exit(1)
	}
	rec, err := client.UpdateReceiptStatus(ctx, trustmesh.UpdateReceiptStatusRequest{
		EscrowID:  args[0],
		Status:    status.String(),
		Score:     score,
		Signature: "0x" + hex.EncodeToString(sig),
	})
	run(err)
	printJSON(rec)
}

func eventsCommand(ctx context.Context, client *trustmesh.Client, args []string) {
	after := uint64(0)
	if len(args) > 0 {
		parsed, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			fmt.Printf("Error: invalid sequence %q\n", args[0])
			os.Exit(1)
		}
		after = parsed
	}
	events, latest, err := client.Events(ctx, after, 100)
	run(err)
	for _, evt := range events {
		printJSON(evt)
	}
	fmt.Printf("latest sequence: %d\n", latest)
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Printf("Error generating key: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile("wallet.key", []byte(hex.EncodeToString(key.Bytes())), 0o600); err != nil {
		fmt.Printf("Error saving key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("New key saved to wallet.key")
	fmt.Printf("Custody address: %s\n", key.PubKey().Address(crypto.CustodyPrefix).String())
	fmt.Printf("Receipt address: %s\n", key.PubKey().Address(crypto.ReceiptPrefix).String())
}

func loadPrivateKey(path string) (*crypto.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("key file must contain hex: %w", err)
	}
	return crypto.PrivateKeyFromBytes(decoded)
}

func randomNonce() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Printf("Usage: trustmesh-cli %s\n", usage)
		os.Exit(1)
	}
}

func run(err error) {
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("Error encoding output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func printUsage() {
	fmt.Println("Usage: trustmesh-cli <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  generate-key                                        - Generates a new key and saves to wallet.key")
	fmt.Println("  create <payer> <payee> <arbiter> <amount> <deadline> [description]")
	fmt.Println("  deposit <id> <caller> <value>                       - Fund an escrow")
	fmt.Println("  release <id> <caller>                               - Pay the escrow out to the payee")
	fmt.Println("  refund <id> <caller>                                - Return the funds to the payer")
	fmt.Println("  dispute <id> <caller> [reason]                      - Freeze a funded escrow")
	fmt.Println("  resolve <id> <arbiter> <release|refund>             - Settle a disputed escrow")
	fmt.Println("  get <id>                                            - Show an escrow")
	fmt.Println("  balance <id>                                        - Show the funds held in custody")
	fmt.Println("  receipt get <escrowId>                              - Show the mirrored receipt")
	fmt.Println("  receipt transfer <escrowId> <caller> <to>           - Transfer a settled receipt")
	fmt.Println("  receipt settle <escrowId> <status> <key> [score]    - Sign and submit a status update")
	fmt.Println("  events [after]                                      - Tail the combined ledger feed")
	fmt.Println()
	fmt.Println("Global flags: --rpc <url> (or RPC_URL). Write methods read TRUSTMESH_RPC_TOKEN.")
}
