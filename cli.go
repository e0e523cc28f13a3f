package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "RAFTCORE"

// opt is a single command-line option, also settable through a
// RAFTCORE_* environment variable.
type opt struct {
	destP interface{}
	flag  string
	dflt  interface{}
	desc  string
}

// bindOptions adds opts to cmd and registers them with viper, so that an
// environment variable overrides the default and a flag overrides both.
func bindOptions(cmd *cobra.Command, opts []opt) {
	for _, o := range opts {
		key := cmd.Name() + "." + o.flag
		if err := viper.BindEnv(key, envName(o.flag)); err != nil {
			panic(err)
		}
		switch destP := o.destP.(type) {
		case *string:
			var d string
			if o.dflt != nil {
				d = o.dflt.(string)
			}
			cmd.Flags().StringVar(destP, o.flag, d, o.desc)
			mustBindPFlag(key, o.flag, cmd)
			*destP = viper.GetString(key)
		case *int:
			var d int
			if o.dflt != nil {
				d = o.dflt.(int)
			}
			cmd.Flags().IntVar(destP, o.flag, d, o.desc)
			mustBindPFlag(key, o.flag, cmd)
			*destP = viper.GetInt(key)
		case *bool:
			var d bool
			if o.dflt != nil {
				d = o.dflt.(bool)
			}
			cmd.Flags().BoolVar(destP, o.flag, d, o.desc)
			mustBindPFlag(key, o.flag, cmd)
			*destP = viper.GetBool(key)
		case *float64:
			var d float64
			if o.dflt != nil {
				d = o.dflt.(float64)
			}
			cmd.Flags().Float64Var(destP, o.flag, d, o.desc)
			mustBindPFlag(key, o.flag, cmd)
			*destP = viper.GetFloat64(key)
		case *time.Duration:
			var d time.Duration
			if o.dflt != nil {
				d = o.dflt.(time.Duration)
			}
			cmd.Flags().DurationVar(destP, o.flag, d, o.desc)
			mustBindPFlag(key, o.flag, cmd)
			*destP = viper.GetDuration(key)
		case *[]string:
			var d []string
			if o.dflt != nil {
				d = o.dflt.([]string)
			}
			cmd.Flags().StringSliceVar(destP, o.flag, d, o.desc)
			mustBindPFlag(key, o.flag, cmd)
			*destP = viper.GetStringSlice(key)
		default:
			panic(fmt.Errorf("unknown destination type %T", o.destP))
		}
	}
}

// envName maps a flag such as log-level to RAFTCORE_LOG_LEVEL.
func envName(flag string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func mustBindPFlag(key, flag string, cmd *cobra.Command) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}
