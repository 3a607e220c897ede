// Package binlog 用 MySQL binlog（canal）实现变更流
package binlog

import (
    "context"
    "errors"
    "fmt"
    "hash/fnv"
    "os"
    "strconv"
    "strings"
    "sync"

    "github.com/go-mysql-org/go-mysql/canal"
    "github.com/go-mysql-org/go-mysql/mysql"
    "github.com/go-mysql-org/go-mysql/replication"
    "github.com/goccy/go-json"
    "go.uber.org/zap"

    "github.com/xzhHas/botflow/internal/stream"
    "github.com/xzhHas/botflow/types"
)

// Source 实现 stream.ChangeStream；每个订阅一个 canal
type Source struct {
    cfg types.MySQLConfig
    log *zap.Logger

    mu  sync.Mutex
    ids map[string]uint32
}

func NewSource(cfg types.MySQLConfig, log *zap.Logger) *Source {
    if log == nil {
        log = zap.NewNop()
    }
    if cfg.Flavor == "" {
        cfg.Flavor = mysql.MySQLFlavor
    }
    return &Source{
        cfg: cfg,
        log: log.With(zap.String("service", "BinlogSource")),
        ids: make(map[string]uint32),
    }
}

// qualify 表名不带库名时补上配置的 schema
func (s *Source) qualify(table string) (string, string, error) {
    if i := strings.IndexByte(table, '.'); i > 0 {
        return table[:i], table[i+1:], nil
    }
    if s.cfg.Schema == "" {
        return "", "", fmt.Errorf("table %q has no schema and mysql.schema is empty", table)
    }
    return s.cfg.Schema, table, nil
}

func (s *Source) Subscribe(ctx context.Context, sc types.ShapeSubscriptionConfig) (stream.Subscription, error) {
    if sc.Where != "" {
        return nil, errors.New("binlog stream does not support where filters")
    }
    db, table, err := s.qualify(sc.Table)
    if err != nil {
        return nil, err
    }
    serverID := s.serverID(db + "." + table)
    cc := canal.NewDefaultConfig()
    cc.Addr = s.cfg.Addr
    cc.User = s.cfg.User
    cc.Password = s.cfg.Password
    cc.Flavor = s.cfg.Flavor
    cc.ServerID = serverID
    cc.IncludeTableRegex = []string{"^" + escapeRegex(db+"."+table) + "$"}
    cc.Dump.ExecutionPath = ""
    c, err := canal.NewCanal(cc)
    if err != nil {
        return nil, err
    }

    store := NewFileStore(s.cfg.PositionDir, db+"."+table)
    sub := &subscription{
        canal:  c,
        table:  sc.Table,
        msgs:   make(chan stream.ChangeMessage, 256),
        errc:   make(chan error, 1),
        closed: make(chan struct{}),
        log:    s.log.With(zap.String("table", sc.Table)),
    }
    h := &rowHandler{sub: sub, columns: sc.Columns, store: store}
    c.SetEventHandler(h)

    var from *mysql.Position
    if sc.StartFromNow {
        p, err := c.GetMasterPos()
        if err != nil {
            c.Close()
            return nil, err
        }
        from = &p
    } else {
        p, err := store.Load()
        if err != nil {
            c.Close()
            return nil, err
        }
        if !p.IsZero() {
            from = &mysql.Position{Name: p.File, Pos: p.Pos}
        }
    }
    go func() {
        var err error
        if from != nil {
            err = c.RunFrom(*from)
        } else {
            err = c.Run()
        }
        if err != nil {
            select {
            case sub.errc <- err:
            default:
            }
        }
    }()
    return sub, nil
}

type subscription struct {
    canal     *canal.Canal
    table     string
    msgs      chan stream.ChangeMessage
    errc      chan error
    closed    chan struct{}
    closeOnce sync.Once
    log       *zap.Logger
}

func (s *subscription) Next(ctx context.Context) (stream.ChangeMessage, error) {
    select {
    case m := <-s.msgs:
        return m, nil
    case err := <-s.errc:
        return stream.ChangeMessage{}, err
    case <-s.closed:
        return stream.ChangeMessage{}, types.ErrSubscriptionClosed
    case <-ctx.Done():
        return stream.ChangeMessage{}, ctx.Err()
    }
}

func (s *subscription) Close() error {
    s.closeOnce.Do(func() {
        close(s.closed)
        s.canal.Close()
    })
    return nil
}

func (s *subscription) push(m stream.ChangeMessage) error {
    select {
    case s.msgs <- m:
        return nil
    case <-s.closed:
        return types.ErrSubscriptionClosed
    }
}

type rowHandler struct {
    canal.DummyEventHandler
    sub     *subscription
    columns []string
    store   PositionStore
}

func (h *rowHandler) OnRow(e *canal.RowsEvent) error {
    msgs, err := changeMessages(e, h.columns)
    if err != nil {
        return err
    }
    for _, m := range msgs {
        if err := h.sub.push(m); err != nil {
            return err
        }
    }
    return nil
}

func (h *rowHandler) OnPosSynced(header *replication.EventHeader, pos mysql.Position, set mysql.GTIDSet, force bool) error {
    if h.store == nil {
        return nil
    }
    g := ""
    if set != nil {
        g = set.String()
    }
    if err := h.store.Save(Position{File: pos.Name, Pos: pos.Pos, GTID: g}); err != nil {
        h.sub.log.Warn("save binlog position", zap.Error(err))
    }
    return nil
}

func (h *rowHandler) String() string { return "botflow" }

// changeMessages 把一个 RowsEvent 转成变更消息；update 事件成对出现，取后一行
func changeMessages(e *canal.RowsEvent, columns []string) ([]stream.ChangeMessage, error) {
    var op types.Operation
    rows := e.Rows
    step := 1
    switch e.Action {
    case canal.InsertAction:
        op = types.Insert
    case canal.UpdateAction:
        op = types.Update
        step = 2
    case canal.DeleteAction:
        op = types.Delete
    default:
        return nil, nil
    }
    out := make([]stream.ChangeMessage, 0, len(rows)/step)
    for i := step - 1; i < len(rows); i += step {
        row := rows[i]
        v, err := json.Marshal(rowMap(e, row, columns))
        if err != nil {
            return nil, err
        }
        out = append(out, stream.ChangeMessage{
            Key:     rowKey(e, row),
            Value:   v,
            Headers: stream.Headers{Operation: string(op)},
        })
    }
    return out, nil
}

func rowMap(e *canal.RowsEvent, row []interface{}, columns []string) map[string]any {
    var keep map[string]struct{}
    if len(columns) > 0 {
        keep = make(map[string]struct{}, len(columns))
        for _, c := range columns {
            keep[c] = struct{}{}
        }
    }
    m := make(map[string]any, len(e.Table.Columns))
    for i, c := range e.Table.Columns {
        if i >= len(row) {
            break
        }
        if keep != nil {
            if _, ok := keep[c.Name]; !ok {
                continue
            }
        }
        if b, ok := row[i].([]byte); ok {
            m[c.Name] = string(b)
            continue
        }
        m[c.Name] = row[i]
    }
    return m
}

func rowKey(e *canal.RowsEvent, row []interface{}) string {
    pks, err := e.Table.GetPKValues(row)
    if err != nil || len(pks) == 0 {
        return ""
    }
    parts := make([]string, 0, len(pks))
    for _, v := range pks {
        if b, ok := v.([]byte); ok {
            parts = append(parts, string(b))
            continue
        }
        parts = append(parts, fmt.Sprint(v))
    }
    return strings.Join(parts, "/")
}

func escapeRegex(s string) string {
    out := make([]rune, 0, len(s))
    for _, r := range s {
        switch r {
        case '.', '\\', '+', '*', '?', '^', '$', '[', ']', '(', ')', '{', '}', '|':
            out = append(out, '\\', r)
        default:
            out = append(out, r)
        }
    }
    return string(out)
}

// serverID 每个 canal 需要独立的 server id，同一张表重订阅时沿用原值。
// 配置了基准值（BOTFLOW_SERVER_ID 优先于 mysql.server_id）时按订阅顺序依次加一
func (s *Source) serverID(table string) uint32 {
    s.mu.Lock()
    defer s.mu.Unlock()
    if id, ok := s.ids[table]; ok {
        return id
    }
    var id uint32
    if base := baseServerID(s.cfg.ServerID); base > 0 {
        id = base + uint32(len(s.ids))
    } else {
        id = autoServerID(s.cfg.Addr + "/" + table)
    }
    for s.taken(id) {
        id++
    }
    s.ids[table] = id
    return id
}

func (s *Source) taken(id uint32) bool {
    for _, v := range s.ids {
        if v == id {
            return true
        }
    }
    return false
}

func baseServerID(configured uint32) uint32 {
    if v := os.Getenv("BOTFLOW_SERVER_ID"); v != "" {
        if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
            return uint32(n)
        }
    }
    return configured
}

// autoServerID 由主机名和订阅标识哈希得到
func autoServerID(seed string) uint32 {
    host, _ := os.Hostname()
    h := fnv.New32a()
    _, _ = h.Write([]byte(host))
    _, _ = h.Write([]byte(seed))
    return 10000 + h.Sum32()%(1<<31)
}
