package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// applyConfigFlagOverrides copies explicitly set flags into v. Flags left at
// their defaults never mask config file or environment values.
func applyConfigFlagOverrides(cmd *cobra.Command, v *viper.Viper, keys map[string]string) {
	for flagName, key := range keys {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil || !flag.Changed {
			continue
		}
		setFromFlag(cmd, v, flagName, key)
	}
}

func setFromFlag(cmd *cobra.Command, v *viper.Viper, flagName, key string) {
	switch cmd.Flags().Lookup(flagName).Value.Type() {
	case "bool":
		if val, err := cmd.Flags().GetBool(flagName); err == nil {
			v.Set(key, val)
		}
	case "int":
		if val, err := cmd.Flags().GetInt(flagName); err == nil {
			v.Set(key, val)
		}
	case "float64":
		if val, err := cmd.Flags().GetFloat64(flagName); err == nil {
			v.Set(key, val)
		}
	case "duration":
		if val, err := cmd.Flags().GetDuration(flagName); err == nil {
			v.Set(key, val.String())
		}
	case "stringSlice":
		if val, err := cmd.Flags().GetStringSlice(flagName); err == nil {
			v.Set(key, val)
		}
	default:
		if val, err := cmd.Flags().GetString(flagName); err == nil {
			v.Set(key, val)
		}
	}
}
