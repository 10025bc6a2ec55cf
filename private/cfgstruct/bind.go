// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flags based on field tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// Bind sets flags on a FlagSet using the hierarchy of the given config struct.
//
// Fields are registered under their hyphenated name, nested structs under a
// dotted prefix. The `help` tag provides usage, the `default` tag the
// default value. Invalid defaults panic during binding, which happens at
// process start.
func Bind(flags *pflag.FlagSet, config interface{}) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v, expecting pointer to struct", config))
	}
	bindStruct(flags, "", ptr.Elem())
}

func bindStruct(flags *pflag.FlagSet, prefix string, val reflect.Value) {
	if val.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v, expecting struct", val.Interface()))
	}

	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}

		fieldval := val.Field(i)
		flagname := prefix + hyphenate(field.Name)

		if field.Type.Kind() == reflect.Struct {
			bindStruct(flags, flagname+".", fieldval)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		addr := fieldval.Addr().Interface()

		if field.Type == reflect.TypeOf(time.Duration(0)) {
			val, err := time.ParseDuration(def)
			if def == "" {
				val, err = 0, nil
			}
			check(flagname, err)
			flags.DurationVar(addr.(*time.Duration), flagname, val, help)
			continue
		}

		switch field.Type.Kind() {
		case reflect.String:
			flags.StringVar(addr.(*string), flagname, def, help)
		case reflect.Bool:
			val, err := parseBool(def)
			check(flagname, err)
			flags.BoolVar(addr.(*bool), flagname, val, help)
		case reflect.Int:
			val, err := parseInt(def)
			check(flagname, err)
			flags.IntVar(addr.(*int), flagname, int(val), help)
		case reflect.Int32:
			val, err := parseInt(def)
			check(flagname, err)
			flags.Int32Var(addr.(*int32), flagname, int32(val), help)
		case reflect.Int64:
			val, err := parseInt(def)
			check(flagname, err)
			flags.Int64Var(addr.(*int64), flagname, val, help)
		case reflect.Float64:
			val, err := parseFloat(def)
			check(flagname, err)
			flags.Float64Var(addr.(*float64), flagname, val, help)
		default:
			panic(fmt.Sprintf("invalid field type %v for flag %q", field.Type, flagname))
		}
	}
}

func check(flagname string, err error) {
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", flagname, err))
	}
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// hyphenate converts a field name to a flag name: runs of capitals stay
// together, word boundaries become hyphens. "DatabaseURL" becomes
// "database-url", "PgQueueConnectionURL" becomes "pg-queue-connection-url".
func hyphenate(name string) string {
	runes := []rune(name)
	var out []rune
	for i, r := range runes {
		if isUpper(r) {
			prevLower := i > 0 && !isUpper(runes[i-1])
			nextLower := i+1 < len(runes) && !isUpper(runes[i+1])
			if i > 0 && (prevLower || nextLower) {
				out = append(out, '-')
			}
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

func isUpper(r rune) bool { return 'A' <= r && r <= 'Z' }
