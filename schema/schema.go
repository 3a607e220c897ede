// Package schema 提供变更记录与命令参数的解码器
package schema

import (
    "errors"
    "fmt"
    "reflect"
    "strings"

    "github.com/go-playground/validator/v10"
    "github.com/goccy/go-json"
    "github.com/mitchellh/mapstructure"

    "github.com/xzhHas/botflow/types"
)

var validate = validator.New()

// JSON 将 value 解码为 T，结构体再按 validate 标签校验
func JSON[T any]() types.Schema {
    return types.SchemaFunc(func(raw []byte) (any, error) {
        var v T
        if len(raw) == 0 {
            return nil, errors.New("empty value")
        }
        if err := json.Unmarshal(raw, &v); err != nil {
            return nil, err
        }
        if err := check(v); err != nil {
            return nil, err
        }
        return v, nil
    })
}

// Map 不做结构约束，解码为 map[string]any
func Map() types.Schema {
    return types.SchemaFunc(func(raw []byte) (any, error) {
        var v map[string]any
        if err := json.Unmarshal(raw, &v); err != nil {
            return nil, err
        }
        if v == nil {
            return nil, errors.New("value is not an object")
        }
        return v, nil
    })
}

type argsShape[T any] struct{}

// Args 用弱类型规则把 map[string]string 解码为 T（读取 json 标签），再做 validate 校验
func Args[T any]() types.ArgShape { return argsShape[T]{} }

func (argsShape[T]) DecodeArgs(args map[string]string) (any, error) {
    var v T
    dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
        Result:           &v,
        TagName:          "json",
        WeaklyTypedInput: true,
    })
    if err != nil {
        return nil, err
    }
    if err := dec.Decode(args); err != nil {
        return nil, err
    }
    if err := check(v); err != nil {
        return nil, err
    }
    return v, nil
}

type fieldsShape []types.ArgumentSpec

// Fields 只检查必填参数，结果仍是 map[string]string
func Fields(specs ...types.ArgumentSpec) types.ArgShape { return fieldsShape(specs) }

func (f fieldsShape) DecodeArgs(args map[string]string) (any, error) {
    var missing []string
    out := make(map[string]string, len(args))
    for k, v := range args {
        out[k] = v
    }
    for _, s := range f {
        if s.Required && strings.TrimSpace(args[s.Name]) == "" {
            missing = append(missing, s.Name)
        }
    }
    if len(missing) > 0 {
        return nil, fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
    }
    return out, nil
}

func check(v any) error {
    rv := reflect.ValueOf(v)
    for rv.Kind() == reflect.Pointer {
        if rv.IsNil() {
            return nil
        }
        rv = rv.Elem()
    }
    if rv.Kind() != reflect.Struct {
        return nil
    }
    return validate.Struct(rv.Interface())
}
