package conftools

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const redacted = "***REDACTED***"

// Initialize sets up viper to read `<name>.yaml` from the working directory or /etc/<name>,
// and environment variables named `<NAME>_SOME_KEY` for the config key `some-key`.
func Initialize(name string) {
	viper.SetConfigName(name)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/" + name)

	viper.SetEnvPrefix(strings.ToUpper(name))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func decoderHook(dc *mapstructure.DecoderConfig) {
	dc.TagName = "json"
	dc.ErrorUnused = true
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load reads the configuration file (if any), parses command line flags and decodes
// the merged result into cfg.
func Load(cfg interface{}) error {
	return LoadArgs(cfg, nil)
}

// LoadArgs is like Load, but parses the given arguments instead of os.Args.
func LoadArgs(cfg interface{}, args []string) error {
	if args == nil {
		flag.Parse()
	} else {
		err := flag.CommandLine.Parse(args)
		if err != nil {
			return err
		}
	}
	return LoadFlags(cfg, flag.CommandLine)
}

// LoadFlags decodes the configuration file (if any) merged with a flag set that has
// already been parsed, as done by cobra commands.
func LoadFlags(cfg interface{}, flags *flag.FlagSet) error {
	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	err = viper.BindPFlags(flags)
	if err != nil {
		return err
	}

	return viper.Unmarshal(cfg, decoderHook)
}

// Return a human-readable printout of all configuration options, except secret stuff.
func Format(disallowedKeys []string) []string {
	masked := make(map[string]bool, len(disallowedKeys))
	for _, key := range disallowedKeys {
		masked[key] = true
	}

	var keys sort.StringSlice = viper.AllKeys()
	keys.Sort()

	printed := make([]string, 0, len(keys))
	for _, key := range keys {
		if masked[key] {
			printed = append(printed, fmt.Sprintf("%s: %s", key, redacted))
			continue
		}
		printed = append(printed, fmt.Sprintf("%s: %v", key, viper.Get(key)))
	}

	return printed
}
