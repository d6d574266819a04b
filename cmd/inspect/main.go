package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/botho-network/botho/ledger"
	"github.com/botho-network/botho/storage"
	"github.com/botho-network/botho/types"
)

// inspect is the read-only query surface wallets and explorers use:
// tip, blocks, transactions, output ranges and key-image lookups over
// a node's data directory.

func main() {
	dataDir := flag.String("datadir", "./data", "Node data directory")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}

	db, err := storage.Open(*dataDir + "/chain")
	if err != nil {
		fatal("open store: %v", err)
	}
	defer db.Close()
	store, err := ledger.Open(db)
	if err != nil {
		fatal("open ledger: %v", err)
	}

	switch flag.Arg(0) {
	case "tip":
		height, hash, ok := store.Tip()
		if !ok {
			fatal("ledger is empty")
		}
		fmt.Printf("height %d hash %s\n", height, hash)

	case "block":
		if flag.NArg() < 2 {
			usage()
		}
		block := resolveBlock(store, flag.Arg(1))
		printBlock(block)

	case "tx":
		if flag.NArg() < 2 {
			usage()
		}
		hash := parseHash(flag.Arg(1))
		tx, height, err := store.TxByHash(hash)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("tx %s height %d inputs %d outputs %d fee %d\n",
			hash, height, len(tx.Inputs), len(tx.Outputs), tx.Fee)

	case "outputs":
		if flag.NArg() < 3 {
			usage()
		}
		from := parseUint(flag.Arg(1))
		to := parseUint(flag.Arg(2))
		recs, err := store.ScanOutputs(types.OutputIndex(from), types.OutputIndex(to))
		if err != nil {
			fatal("%v", err)
		}
		for _, rec := range recs {
			fmt.Printf("output %d height %d tags %v\n", rec.Index, rec.Height, rec.Output.ClusterTags)
		}

	case "keyimage":
		if flag.NArg() < 2 {
			usage()
		}
		var img types.KeyImage
		raw, err := hex.DecodeString(flag.Arg(1))
		if err != nil || len(raw) != 32 {
			fatal("bad key image")
		}
		copy(img[:], raw)
		spent, err := store.IsSpent(img)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("spent: %v\n", spent)

	default:
		usage()
	}
}

func resolveBlock(store *ledger.Store, arg string) *types.Block {
	if height, err := strconv.ParseUint(arg, 10, 64); err == nil {
		block, err := store.BlockAt(height)
		if err != nil {
			fatal("%v", err)
		}
		return block
	}
	block, err := store.BlockByHash(parseHash(arg))
	if err != nil {
		fatal("%v", err)
	}
	return block
}

func printBlock(block *types.Block) {
	fmt.Printf("height %d hash %s\n", block.Header.Height, block.Hash())
	fmt.Printf("prev %s\n", block.Header.PrevHash)
	fmt.Printf("root %s\n", block.Header.TxRoot)
	fmt.Printf("minter %s timestamp %d proof %d txs %d\n",
		block.Header.MinterID, block.Header.Timestamp,
		len(block.ConsensusProof), len(block.Transactions))
	for _, tx := range block.Transactions {
		fmt.Printf("  tx %s inputs %d outputs %d fee %d\n",
			tx.Hash(), len(tx.Inputs), len(tx.Outputs), tx.Fee)
	}
}

func parseHash(s string) types.Hash {
	var h types.Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		fatal("bad hash %q", s)
	}
	copy(h[:], raw)
	return h
}

func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		fatal("bad number %q", s)
	}
	return v
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: inspect [-datadir dir] <command>
  tip
  block <height|hash>
  tx <hash>
  outputs <from> <to>
  keyimage <hex>`)
	os.Exit(2)
}
