package binlog

import (
    "errors"
    "os"
    "path/filepath"
    "strings"

    "github.com/goccy/go-json"
)

type Position struct {
    File string
    Pos  uint32
    GTID string
}

func (p Position) IsZero() bool { return p.File == "" && p.GTID == "" }

type PositionStore interface {
    Save(Position) error
    Load() (Position, error)
}

// FileStore 位点保存为 JSON 文件
type FileStore struct {
    Path string
}

// NewFileStore 每张表一个位点文件：<dir>/<table>.pos
func NewFileStore(dir, table string) *FileStore {
    if dir == "" {
        dir = "."
    }
    name := strings.NewReplacer("/", "_", "\\", "_").Replace(table) + ".pos"
    return &FileStore{Path: filepath.Join(dir, name)}
}

func (f *FileStore) Save(p Position) error {
    b, err := json.Marshal(p)
    if err != nil {
        return err
    }
    tmp := f.Path + ".tmp"
    if err := os.WriteFile(tmp, b, 0644); err != nil {
        return err
    }
    return os.Rename(tmp, f.Path)
}

func (f *FileStore) Load() (Position, error) {
    b, err := os.ReadFile(f.Path)
    if err != nil {
        if errors.Is(err, os.ErrNotExist) {
            return Position{}, nil
        }
        return Position{}, err
    }
    var p Position
    err = json.Unmarshal(b, &p)
    return p, err
}
