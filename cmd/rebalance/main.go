// Created by Yanjunhui

// rebalance 离线 B+Tree 重平衡工具
// EN: rebalance is the offline B+Tree rebalance tool.
//
// 用法 (EN: Usage):
//
//	rebalance <tree-file-path> [options]
//
// 选项 (EN: Options):
//
//	--order <n>           B+Tree 阶数（默认 4）
//	--buffer-size <n>     缓冲池容量（默认 1000）
//	--key-type <type>     键类型：INTEGER, LONG, STRING, DOUBLE（默认 INTEGER）
//	--value-type <type>   值类型：INTEGER, LONG, STRING, DOUBLE（默认 STRING）
//	--stats               重平衡前后输出树统计
//	--help                显示帮助
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/monolite/localkv/codec"
	"github.com/monolite/localkv/storage"
)

type config struct {
	treePath   string
	order      int
	bufferSize int
	keyType    string
	valueType  string
	showStats  bool
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "--help" {
		showHelp()
		return
	}
	for _, a := range args[1:] {
		if a == "--help" {
			showHelp()
			return
		}
	}

	cfg, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if err := rebalanceTree(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func showHelp() {
	fmt.Println("rebalance - Rebalances B+ tree files offline")
	fmt.Println()
	fmt.Println("Usage: rebalance <tree-file-path> [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --order <n>           B+ tree order (default: 4)")
	fmt.Println("  --buffer-size <n>     Buffer pool size (default: 1000)")
	fmt.Println("  --key-type <type>     Key type: INTEGER, LONG, STRING, DOUBLE (default: INTEGER)")
	fmt.Println("  --value-type <type>   Value type: INTEGER, LONG, STRING, DOUBLE (default: STRING)")
	fmt.Println("  --stats               Show tree statistics before and after rebalancing")
	fmt.Println("  --help                Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  rebalance /path/to/tree.db")
	fmt.Println("  rebalance /path/to/tree.db --order 8 --stats")
}

func parseArgs(args []string) (*config, error) {
	cfg := &config{
		treePath:   args[0],
		order:      4,
		bufferSize: 1000,
		keyType:    "INTEGER",
		valueType:  "STRING",
	}

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--order":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--order requires a value")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return nil, fmt.Errorf("invalid --order value: %s", args[i])
			}
			cfg.order = n
		case "--buffer-size":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--buffer-size requires a value")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return nil, fmt.Errorf("invalid --buffer-size value: %s", args[i])
			}
			cfg.bufferSize = n
		case "--key-type":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--key-type requires a value")
			}
			i++
			cfg.keyType = args[i]
		case "--value-type":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--value-type requires a value")
			}
			i++
			cfg.valueType = args[i]
		case "--stats":
			cfg.showStats = true
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	return cfg, nil
}

func rebalanceTree(cfg *config) error {
	fmt.Println("Rebalancing tree:", cfg.treePath)
	fmt.Println("Configuration:")
	fmt.Println("  Order:", cfg.order)
	fmt.Println("  Buffer size:", cfg.bufferSize)
	fmt.Println("  Key type:", cfg.keyType)
	fmt.Println("  Value type:", cfg.valueType)
	fmt.Println()

	// 目前只打包了最常见的组合：整数键 + 字符串值
	// EN: Only the most common combination is packaged: integer keys with
	// string values. This is a CLI packaging constraint, not an engine one.
	if cfg.keyType != "INTEGER" || cfg.valueType != "STRING" {
		return fmt.Errorf("unsupported key/value type combination: %s/%s (supported: INTEGER/STRING)",
			cfg.keyType, cfg.valueType)
	}

	rebalancer := storage.NewRebalancer(codec.Int32, codec.String, codec.CompareInt32, cfg.order, cfg.bufferSize)

	if cfg.showStats {
		before, err := rebalancer.TreeStats(cfg.treePath)
		if err != nil {
			return err
		}
		fmt.Println("Tree statistics before rebalancing:")
		fmt.Println(" ", before)
		fmt.Println()
	}

	start := time.Now()
	if err := rebalancer.Rebalance(cfg.treePath); err != nil {
		return err
	}
	fmt.Printf("Rebalancing completed in %d ms\n", time.Since(start).Milliseconds())

	if cfg.showStats {
		after, err := rebalancer.TreeStats(cfg.treePath)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Tree statistics after rebalancing:")
		fmt.Println(" ", after)
	}

	return nil
}
