package config

import (
	"fmt"
	"maps"
	"os"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

// setValue parses raw into the field according to its type.
func setValue(field ConfigField, raw string) error {
	if field.Value.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot parse duration %s: %w", field.Path, err)
		}
		field.Value.SetInt(int64(d))
		return nil
	}

	switch field.Kind {
	case reflect.String:
		field.Value.SetString(raw)
	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetInt(i)
	case reflect.Uint:
		u, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetUint(u)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetBool(b)
	default:
		return fmt.Errorf("cannot set %s: unimplemented kind %s", field.Path, field.Kind)
	}
	return nil
}

// Default ===================================================================

type defaultSource struct {
	priority int
}

func (s *defaultSource) Priority() int {
	return s.priority
}

func (s *defaultSource) Process(fields map[string]ConfigField) error {
	var errs MultiError

	for _, field := range fields {
		defVal, ok := field.Tag.Lookup(tagDefault)
		if !ok {
			continue
		}
		errs.Append(setValue(field, defVal))
	}
	return errs.ErrorOrNil()
}

// YAML ======================================================================

type yamlSource struct {
	priority int
	path     string
}

func (s *yamlSource) Priority() int {
	return s.priority
}

func (s *yamlSource) Process(fields map[string]ConfigField) error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", s.path, err)
	}

	var errs MultiError
	for _, field := range fields {
		val, ok := lookupYAML(doc, field.Keys)
		if !ok || val == nil {
			continue
		}
		switch val.(type) {
		case map[string]any, []any:
			errs.Append(fmt.Errorf("cannot set %s: expected a scalar", field.Path))
			continue
		}
		errs.Append(setValue(field, fmt.Sprint(val)))
	}
	return errs.ErrorOrNil()
}

func lookupYAML(doc map[string]any, keys []string) (any, bool) {
	var cur any = doc
	for _, key := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Env ====================================================================

type envSource struct {
	priority int
	prefix   string
}

func (s *envSource) Priority() int {
	return s.priority
}

func (s *envSource) Process(fields map[string]ConfigField) error {
	var errs MultiError

	for _, field := range fields {
		envName := ToScreamingSnake(field.Path)
		if s.prefix != "" {
			envName = s.prefix + "_" + envName
		}

		// The tag is used as is, without the prefix
		if tagVal, ok := field.Tag.Lookup(tagEnv); ok {
			envName = tagVal
		}

		envVal, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		errs.Append(setValue(field, envVal))
	}
	return errs.ErrorOrNil()
}

// Flag ===================================================================

type flagSource struct {
	priority int
	opts     Options
}

func (s *flagSource) Priority() int {
	return s.priority
}

func (s *flagSource) Process(fields map[string]ConfigField) error {
	var errs MultiError

	flags := pflag.NewFlagSet(s.opts.ProgramName, s.opts.ErrorHandling)

	// Flag name and value pointer per path
	names := map[string]string{}
	values := map[string]any{}

	for _, path := range slices.Sorted(maps.Keys(fields)) {
		field := fields[path]

		name := ToKebab(field.Path)
		if tagVal, ok := field.Tag.Lookup(tagFlag); ok {
			name = tagVal
		}
		short := field.Tag.Get(tagShort)
		if len(short) > 1 {
			errs.Append(fmt.Errorf("cannot set %s: shorthand %q is more than one character", path, short))
			short = ""
		}
		desc := field.Description

		if field.Value.Type() == durationType {
			values[path] = flags.DurationP(name, short, 0, desc)
			names[path] = name
			continue
		}

		switch field.Kind {
		case reflect.String:
			values[path] = flags.StringP(name, short, "", desc)
		case reflect.Int:
			values[path] = flags.IntP(name, short, 0, desc)
		case reflect.Int64:
			values[path] = flags.Int64P(name, short, 0, desc)
		case reflect.Uint:
			values[path] = flags.UintP(name, short, 0, desc)
		case reflect.Float64:
			values[path] = flags.Float64P(name, short, 0, desc)
		case reflect.Bool:
			values[path] = flags.BoolP(name, short, false, desc)
		default:
			continue
		}
		names[path] = name
	}

	if err := flags.Parse(s.opts.Args); err != nil {
		return fmt.Errorf("failed parsing flags: %w", err)
	}

	// Only flags given on the command line override earlier sources
	for path, ptr := range values {
		if !flags.Changed(names[path]) {
			continue
		}
		field := fields[path]
		val := reflect.ValueOf(ptr).Elem()
		field.Value.Set(val.Convert(field.Value.Type()))
	}

	return errs.ErrorOrNil()
}
