// Package config populates a configuration struct from struct tags, a YAML
// file, environment variables and command line flags.
//
// Sources are applied in priority order, lowest first, so that later sources
// override earlier ones:
//
//	defaults (0) < YAML file (25) < environment (50) < flags (100)
//
// Supported tags are default, yaml, env, flag, short, desc and optional.
// Fields already set before Parse is called are left alone.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/spf13/pflag"
)

const (
	tagEnv         = "env"
	tagFlag        = "flag"
	tagYAML        = "yaml"
	tagDefault     = "default"
	tagDescription = "desc"
	tagOptional    = "optional"
	tagShort       = "short"
)

// Source priorities of the built-in sources.
const (
	PriorityDefault = 0
	PriorityYAML    = 25
	PriorityEnv     = 50
	PriorityFlag    = 100
)

var ErrNotPointerToStruct = errors.New("config must be a pointer to a struct")

// Source processes the field map and applies values to the config struct.
// Choose a priority to process before or after other sources.
type Source interface {
	Priority() int
	Process(map[string]ConfigField) error
}

// Options holds options for the Parse function.
type Options struct {
	// ProgramName is the name of the running program (defaults to os.Args[0]).
	ProgramName string
	// EnvPrefix adds a prefix to environment variable lookups.
	EnvPrefix string
	// File is the path of a YAML file. Empty skips the YAML source.
	File string
	// SkipFlags ignores command line flags.
	SkipFlags bool
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// Args provides command line arguments (defaults to os.Args[1:]).
	Args []string
	// ErrorHandling determines how parsing errors are handled.
	ErrorHandling pflag.ErrorHandling
	// Sources adds additional sources.
	Sources []Source
}

func (o Options) withDefaults() Options {
	if o.ProgramName == "" {
		o.ProgramName = os.Args[0]
	}
	if o.Args == nil {
		o.Args = os.Args[1:]
	}
	return o
}

// Parse populates cfg, which must be a pointer to a struct.
//
// A top level string field named Version receives the module version from
// the build info unless a source overrides it.
func Parse(cfg any, options Options) error {
	opts := options.withDefaults()

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return handleError(opts.ErrorHandling, ErrNotPointerToStruct)
	}

	fields := walkStruct(v.Elem(), "", nil)

	sources := []Source{&defaultSource{priority: PriorityDefault}}
	if opts.File != "" {
		sources = append(sources, &yamlSource{priority: PriorityYAML, path: opts.File})
	}
	if !opts.SkipEnv {
		sources = append(sources, &envSource{priority: PriorityEnv, prefix: opts.EnvPrefix})
	}
	if !opts.SkipFlags {
		sources = append(sources, &flagSource{priority: PriorityFlag, opts: opts})
	}
	sources = append(sources, opts.Sources...)

	if version, ok := fields["Version"]; ok && version.Kind == reflect.String {
		if bi, ok := debug.ReadBuildInfo(); ok {
			version.Value.SetString(cmp.Or(bi.Main.Version, "(devel)"))
		}
	}

	slices.SortStableFunc(sources, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})

	var errs MultiError
	for _, source := range sources {
		if err := source.Process(fields); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				return handleError(opts.ErrorHandling, err)
			}
			errs.Append(err)
		}
	}
	errs.Append(validateRequired(fields))

	if err := errs.ErrorOrNil(); err != nil {
		return handleError(opts.ErrorHandling, fmt.Errorf("config: %w", err))
	}
	return nil
}

// ConfigField represents a settable leaf field of the config struct.
type ConfigField struct {
	// Path is the dotted Go field path, e.g. "Postgres.URL".
	Path string
	// Keys is the YAML key of each path segment.
	Keys        []string
	Value       reflect.Value
	Kind        reflect.Kind
	Name        string
	StructField reflect.StructField
	Tag         reflect.StructTag
	Description string
}

func walkStruct(v reflect.Value, currPath string, currKeys []string) map[string]ConfigField {
	fields := map[string]ConfigField{}

	t := v.Type()

	for i := range v.NumField() {
		fieldVal := v.Field(i)
		structField := t.Field(i)
		if !structField.IsExported() {
			continue
		}

		// Skip fields already filled
		if !fieldVal.IsZero() {
			continue
		}

		name := structField.Name
		tag := structField.Tag

		path := name
		if currPath != "" {
			path = currPath + "." + name
		}
		keys := append(slices.Clone(currKeys), yamlKey(structField))

		if fieldVal.Kind() == reflect.Struct && fieldVal.Type() != durationType {
			maps.Copy(fields, walkStruct(fieldVal, path, keys))
			continue
		}

		fields[path] = ConfigField{
			Path:        path,
			Keys:        keys,
			Value:       fieldVal,
			Kind:        fieldVal.Kind(),
			Name:        name,
			StructField: structField,
			Tag:         tag,
			Description: cmp.Or(tag.Get(tagDescription), path),
		}
	}
	return fields
}

func yamlKey(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get(tagYAML), ","); name != "" {
		return name
	}
	return ToSnake(f.Name)
}

// validateRequired errors for every field without an optional tag that is
// still zero.
func validateRequired(fields map[string]ConfigField) error {
	var errs MultiError

	for _, path := range slices.Sorted(maps.Keys(fields)) {
		field := fields[path]
		optVal, exists := field.Tag.Lookup(tagOptional)
		if exists && optVal != "false" {
			continue
		}
		if field.Value.IsZero() {
			errs.Append(&ValidationError{Field: path, Reason: "is required"})
		}
	}
	return errs.ErrorOrNil()
}

func handleError(errHandling pflag.ErrorHandling, err error) error {
	switch errHandling {
	case pflag.ExitOnError:
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	case pflag.PanicOnError:
		panic(err)
	}
	return err
}
