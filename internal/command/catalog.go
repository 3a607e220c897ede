package command

import (
    "fmt"

    "github.com/BurntSushi/toml"

    "github.com/xzhHas/botflow/schema"
    "github.com/xzhHas/botflow/types"
)

type catalogFile struct {
    Commands []struct {
        Name         string               `toml:"name"`
        Description  string               `toml:"description"`
        UsageExample string               `toml:"usage_example"`
        Arguments    []types.ArgumentSpec `toml:"arguments"`
    } `toml:"commands"`
}

// LoadCatalog 从 TOML 读取命令目录；参数形状只校验必填项
//
//  [[commands]]
//  name = "echo"
//  usage_example = "/echo hello"
//  [[commands.arguments]]
//  name = "text"
//  required = true
func LoadCatalog(path string) ([]types.CommandDefinition, error) {
    var f catalogFile
    if _, err := toml.DecodeFile(path, &f); err != nil {
        return nil, err
    }
    seen := make(map[string]struct{}, len(f.Commands))
    defs := make([]types.CommandDefinition, 0, len(f.Commands))
    for _, c := range f.Commands {
        if c.Name == "" {
            return nil, fmt.Errorf("%s: command without name", path)
        }
        if _, ok := seen[c.Name]; ok {
            return nil, fmt.Errorf("%s: duplicate command %q", path, c.Name)
        }
        seen[c.Name] = struct{}{}
        defs = append(defs, types.CommandDefinition{
            Name:         c.Name,
            Description:  c.Description,
            UsageExample: c.UsageExample,
            Arguments:    c.Arguments,
            Shape:        schema.Fields(c.Arguments...),
        })
    }
    return defs, nil
}

// Find 按名称查找命令定义
func Find(defs []types.CommandDefinition, name string) (types.CommandDefinition, bool) {
    for _, d := range defs {
        if d.Name == name {
            return d, true
        }
    }
    return types.CommandDefinition{}, false
}
