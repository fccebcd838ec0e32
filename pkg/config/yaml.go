package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"reflect"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// skippedConfigFlags is the list of command line flags that have no config file entry.
var skippedConfigFlags = []string{"print_version", "config_file"}

var valueType = reflect.TypeFor[*Value]()

// parseConfig decodes a config file. Unknown keys are rejected so that typos don't go unnoticed.
func parseConfig(configBytes []byte) (*Config, error) {
	conf := new(Config)
	decoder := yaml.NewDecoder(bytes.NewReader(configBytes))
	decoder.KnownFields(true)
	if err := decoder.Decode(conf); err != nil && !errors.Is(err, io.EOF) { // An empty file is an empty config.
		return nil, err
	}
	return conf, nil
}

// collectFlags collects the flag values filled in `v`, a config section, into `flags`.
func collectFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, v reflect.Value) error {
	for fieldIdx := range v.NumField() {
		field := v.Type().Field(fieldIdx)
		if flagName, hasFlag := field.Tag.Lookup("flag"); hasFlag {
			value, _ := v.Field(fieldIdx).Interface().(*Value)
			if value == nil {
				continue
			}
			if _, alreadyExists := flags[flagName]; alreadyExists {
				return fmt.Errorf("flag '%s' has multiple entries in yaml config: '%s'", flagName, field.Name)
			}
			flags[flagName] = value.text
			continue
		}
		if field.Type.Kind() == reflect.Struct { // Recurse into nested sections.
			if err := collectFlags(flags, v.Field(fieldIdx)); err != nil {
				return err
			}
		}
	}
	return nil
}

// setConfigFlags sets all the filled flags of `conf` on `flagSet`. Flags given explicitly on the command line keep
// their value. Either every flag is set or, on the first invalid value, the flags already set are restored.
func setConfigFlags(flagSet *flag.FlagSet, conf *Config) error {
	configFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectFlags(configFlags, reflect.ValueOf(conf).Elem()); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	explicitFlags := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicitFlags[f.Name] = true })

	previous := make(map[ /*flagName*/ string] /*flagValue*/ string)
	for _, flagName := range slices.Sorted(maps.Keys(configFlags)) {
		if explicitFlags[flagName] {
			continue
		}
		if f := flagSet.Lookup(flagName); f != nil {
			previous[flagName] = f.Value.String()
		}
		if setErr := flagSet.Set(flagName, configFlags[flagName]); setErr != nil {
			// A failed Set may still have overwritten the value.
			for name, value := range previous {
				if restoreErr := flagSet.Set(name, value); restoreErr != nil {
					setErr = errors.Join(setErr, fmt.Errorf("failed to restore flag %s: %w", name, restoreErr))
				}
			}
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// getDefinedFlags returns the set of flags named by the given config schema.
func getDefinedFlags(schema reflect.Type) (map[ /*flagName*/ string]struct{}, error) {
	flagSet := make(map[ /*flagName*/ string]struct{})
	var walkFields func(t reflect.Type) error
	walkFields = func(t reflect.Type) error {
		for fieldIdx := range t.NumField() {
			field := t.Field(fieldIdx)
			if flagName, hasFlag := field.Tag.Lookup("flag"); hasFlag {
				if field.Type != valueType {
					return fmt.Errorf("config leaf %s.%s must be a *Value", t.Name(), field.Name)
				}
				if _, exists := flagSet[flagName]; exists {
					return fmt.Errorf("duplicate flag name '%s' in config: %s.%s", flagName, t.Name(), field.Name)
				}
				flagSet[flagName] = struct{}{}
				continue
			}
			if field.Type.Kind() == reflect.Struct {
				if err := walkFields(field.Type); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walkFields(schema); err != nil {
		return nil, err
	}
	return flagSet, nil
}

// unregisteredFlags reports every flag of `flagSet` without a config entry.
func unregisteredFlags(flagSet *flag.FlagSet) []error {
	definedFlags, err := getDefinedFlags(reflect.TypeFor[Config]())
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flagSet.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in yaml config", f.Name))
		}
	})
	return errs
}

// CollectUnregisteredFlags collects all flags that haven't been registered in the yaml config.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	return unregisteredFlags(flag.CommandLine)
}
