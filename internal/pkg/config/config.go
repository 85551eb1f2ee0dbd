// Copyright (c) 2018-2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package config parses crashcart's configuration file, a flat sequence of
// "directive = value" lines in the style of singularity.conf. Directives are
// declared as struct tags on File so the set of recognized keys lives next to
// the field it populates.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/oracle/crashcart/internal/pkg/pidlocator"
)

// File holds crashcart's tunable defaults. A zero File has Go zero values
// throughout; Parse starts from Default() and overrides only the
// directives the file sets.
type File struct {
	// MaxLoopDevices bounds how many /dev/loopN devices DeviceBroker will
	// scan or create looking for a free one.
	MaxLoopDevices uint `directive:"max loop devices"`

	// SharedLoopDevices lets DeviceBroker reuse a loop device already
	// bound to the same backing image instead of always allocating a
	// fresh one.
	SharedLoopDevices bool `directive:"shared loop devices"`

	// CrashcartImage is the default image path used when -i is omitted.
	CrashcartImage string `directive:"crashcart image"`

	// RuntimeExecTool is the external binary ExecSupervisor's
	// runtime-exec mode shells out to.
	RuntimeExecTool string `directive:"runtime exec tool"`

	// PidGlobs overrides PidLocator's default glob patterns. A directive
	// value is split on commas; an absent directive keeps
	// pidlocator.DefaultGlobs.
	PidGlobs []string `directive:"pid globs"`
}

// Default returns the built-in configuration, used whenever no config file
// is present or a directive is absent from one that is.
func Default() *File {
	return &File{
		MaxLoopDevices:    256,
		SharedLoopDevices: false,
		CrashcartImage:    "crashcart.img",
		RuntimeExecTool:   "docker",
		PidGlobs:          append([]string(nil), pidlocator.DefaultGlobs...),
	}
}

var current *File

// SetCurrentConfig installs config as the process-wide configuration
// returned by GetCurrentConfig.
func SetCurrentConfig(config *File) {
	current = config
}

// GetCurrentConfig returns the process-wide configuration previously
// installed with SetCurrentConfig, or nil if none has been set.
func GetCurrentConfig() *File {
	return current
}

// Parse reads a directive file at path on top of Default and returns the
// merged result. A path that does not exist is not an error: the defaults
// are returned unchanged, matching the CLI's "-c is optional" contract.
func Parse(path string) (*File, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "while opening config file %s", path)
	}
	defer f.Close()

	directives := directiveIndex(cfg)

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Errorf("%s:%d: malformed directive %q, expected \"key = value\"", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		fieldIdx, ok := directives[key]
		if !ok {
			return nil, errors.Errorf("%s:%d: unknown directive %q", path, lineNo, key)
		}
		if err := setField(cfg, fieldIdx, value); err != nil {
			return nil, errors.Wrapf(err, "%s:%d: directive %q", path, lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "while reading config file %s", path)
	}

	return cfg, nil
}

// directiveIndex maps a directive tag to the index of the struct field it
// populates.
func directiveIndex(cfg *File) map[string]int {
	t := reflect.TypeOf(*cfg)
	idx := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("directive")
		if tag == "" {
			continue
		}
		idx[tag] = i
	}
	return idx
}

func setField(cfg *File, fieldIdx int, value string) error {
	v := reflect.ValueOf(cfg).Elem().Field(fieldIdx)
	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("expected an unsigned integer, got %q", value)
		}
		v.SetUint(n)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported directive slice element kind %s", v.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		v.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported directive field kind %s", v.Kind())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected yes/no, got %q", value)
	}
}
