package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// ErrUnknownKey is returned by Set for paths that name no field.
var ErrUnknownKey = errors.New("unknown key")

// Set assigns raw to the field addressed by path, matching yaml names
// case-insensitively. Segments may be split where a yaml name contains an
// underscore, so ["director", "module", "paths"] reaches director.module_paths.
// Map fields take the remaining path, joined with dots, as the key.
func Set(cfg *Config, path []string, raw string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty key")
	}
	return setValue(reflect.ValueOf(cfg).Elem(), path, raw)
}

func setValue(v reflect.Value, path []string, raw string) error {
	if len(path) == 0 {
		return assign(v, raw)
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		// Longest match first.
		for n := len(path); n > 0; n-- {
			name := strings.Join(path[:n], "_")
			for i := 0; i < t.NumField(); i++ {
				f := t.Field(i)
				tag := strings.Split(f.Tag.Get("yaml"), ",")[0]
				if tag == "" || tag == "-" || !strings.EqualFold(tag, name) {
					continue
				}
				return setValue(v.Field(i), path[n:], raw)
			}
		}
		return fmt.Errorf("%w %q", ErrUnknownKey, strings.Join(path, "."))
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String || v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("cannot set %q", strings.Join(path, "."))
		}
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		v.SetMapIndex(reflect.ValueOf(strings.Join(path, ".")), reflect.ValueOf(raw))
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownKey, strings.Join(path, "."))
}

func assign(v reflect.Value, raw string) error {
	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64, reflect.Int32:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Float64, reflect.Float32:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", v.Type())
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		v.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
