package types

import (
    "fmt"
    "sort"
    "strings"
    "time"
)

// Operation 行级变更类型
type Operation string

const (
    Insert Operation = "insert"
    Update Operation = "update"
    Delete Operation = "delete"
)

// ParseOperation 解析变更流 headers.operation 字段，大小写不敏感
func ParseOperation(s string) (Operation, error) {
    switch Operation(strings.ToLower(strings.TrimSpace(s))) {
    case Insert:
        return Insert, nil
    case Update:
        return Update, nil
    case Delete:
        return Delete, nil
    }
    return "", fmt.Errorf("unknown operation %q", s)
}

// EventType 路由键，格式为 table.operation，例如 messages.insert
type EventType string

func NewEventType(table string, op Operation) EventType {
    return EventType(table + "." + string(op))
}

// Table 去掉最后一段 operation 后缀；表名本身可以带 schema 前缀（db.table）
func (t EventType) Table() string {
    s := string(t)
    if i := strings.LastIndexByte(s, '.'); i >= 0 {
        return s[:i]
    }
    return s
}

func (t EventType) Operation() Operation {
    s := string(t)
    if i := strings.LastIndexByte(s, '.'); i >= 0 {
        return Operation(s[i+1:])
    }
    return ""
}

func (t EventType) Valid() bool {
    tb := t.Table()
    if tb == "" || tb == string(t) {
        return false
    }
    _, err := ParseOperation(string(t.Operation()))
    return err == nil
}

// Event 一次行级变更
// - ID：进程内关联 id，用于日志
// - Key：变更流里的行主键
// - Value：按表的 Schema 解码后的值
type Event struct {
    ID        string
    Operation Operation
    Table     string
    Key       string
    Value     any
    Timestamp time.Time
}

func (e Event) EventType() EventType { return NewEventType(e.Table, e.Operation) }

// TablesFromEventTypes 从已注册的事件类型推导需要订阅的表，去重并排序
func TablesFromEventTypes(ets []EventType) []string {
    seen := make(map[string]struct{}, len(ets))
    out := make([]string, 0, len(ets))
    for _, t := range ets {
        tb := t.Table()
        if tb == "" {
            continue
        }
        if _, ok := seen[tb]; ok {
            continue
        }
        seen[tb] = struct{}{}
        out = append(out, tb)
    }
    sort.Strings(out)
    return out
}
