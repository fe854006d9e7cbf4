// Created by Yanjunhui

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// logWarn 存储层内部的最小告警输出
// EN: logWarn is the storage layer's minimal warning sink.
// engine 包有完整的结构化日志器；storage 不能反向依赖它，
// 这里仅在淘汰写回失败等非致命路径上输出一行 JSON
// EN: The engine package carries the full structured logger; storage cannot
// import it, so non-fatal paths (eviction write-back failures, orphan unpins)
// emit a single JSON line here.
var logWarn = func(msg string, ctx map[string]interface{}) {
	entry := map[string]interface{}{
		"ts":        time.Now().Format(time.RFC3339Nano),
		"level":     "WARN",
		"component": "STORAGE",
		"msg":       msg,
	}
	if len(ctx) > 0 {
		entry["ctx"] = ctx
	}
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %s: %v\n", msg, ctx)
		return
	}
	fmt.Fprintln(os.Stderr, string(data))
}
