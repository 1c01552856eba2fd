package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option
type Opt struct {
	DestP    interface{} // pointer to the destination
	Flag     string
	Default  interface{}
	Desc     string
	Required bool
}

// Program parses CLI options
type Program struct {
	// Run is invoked by cobra on execute.
	Run func() error
	// Name is the name of the program in help usage and the env var prefix.
	Name string
	// Opts are the command line/env var options to the program
	Opts []Opt
}

// NewCommand creates a new cobra command to be executed that respects env vars.
//
// Uses the upper-case version of the program's name as a prefix
// to all environment variables.
func NewCommand(v *viper.Viper, p *Program) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:  p.Name,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return p.Run()
		},
		SilenceUsage: true,
	}

	v.SetEnvPrefix(strings.ToUpper(p.Name))
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := BindOptions(v, cmd.Flags(), p.Opts); err != nil {
		return nil, err
	}
	for _, o := range p.Opts {
		if o.Required {
			if err := cmd.MarkFlagRequired(o.Flag); err != nil {
				return nil, err
			}
		}
	}

	return cmd, nil
}

// BindOptions adds opts to the flag set and registers those options with
// viper so that environment variables override defaults and flags override
// both.
func BindOptions(v *viper.Viper, fs *pflag.FlagSet, opts []Opt) error {
	for _, o := range opts {
		if err := bindOption(v, fs, o); err != nil {
			return err
		}
	}
	return nil
}

func bindOption(v *viper.Viper, fs *pflag.FlagSet, o Opt) error {
	switch destP := o.DestP.(type) {
	case *string:
		var d string
		if o.Default != nil {
			d = o.Default.(string)
		}
		fs.StringVar(destP, o.Flag, d, o.Desc)
		if err := v.BindPFlag(o.Flag, fs.Lookup(o.Flag)); err != nil {
			return err
		}
		*destP = v.GetString(o.Flag)
	case *int:
		var d int
		if o.Default != nil {
			d = o.Default.(int)
		}
		fs.IntVar(destP, o.Flag, d, o.Desc)
		if err := v.BindPFlag(o.Flag, fs.Lookup(o.Flag)); err != nil {
			return err
		}
		*destP = v.GetInt(o.Flag)
	case *uint64:
		var d uint64
		if o.Default != nil {
			d = o.Default.(uint64)
		}
		fs.Uint64Var(destP, o.Flag, d, o.Desc)
		if err := v.BindPFlag(o.Flag, fs.Lookup(o.Flag)); err != nil {
			return err
		}
		*destP = v.GetUint64(o.Flag)
	case *bool:
		var d bool
		if o.Default != nil {
			d = o.Default.(bool)
		}
		fs.BoolVar(destP, o.Flag, d, o.Desc)
		if err := v.BindPFlag(o.Flag, fs.Lookup(o.Flag)); err != nil {
			return err
		}
		*destP = v.GetBool(o.Flag)
	case *time.Duration:
		var d time.Duration
		if o.Default != nil {
			d = o.Default.(time.Duration)
		}
		fs.DurationVar(destP, o.Flag, d, o.Desc)
		if err := v.BindPFlag(o.Flag, fs.Lookup(o.Flag)); err != nil {
			return err
		}
		*destP = v.GetDuration(o.Flag)
	case *[]string:
		var d []string
		if o.Default != nil {
			d = o.Default.([]string)
		}
		fs.StringSliceVar(destP, o.Flag, d, o.Desc)
		if err := v.BindPFlag(o.Flag, fs.Lookup(o.Flag)); err != nil {
			return err
		}
		*destP = v.GetStringSlice(o.Flag)
	case *zapcore.Level:
		var d zapcore.Level
		if o.Default != nil {
			d = o.Default.(zapcore.Level)
		}
		LevelVar(fs, destP, o.Flag, d, o.Desc)
		if err := v.BindPFlag(o.Flag, fs.Lookup(o.Flag)); err != nil {
			return err
		}
		if s := v.GetString(o.Flag); s != "" {
			if err := destP.Set(s); err != nil {
				return fmt.Errorf("%s: %w", o.Flag, err)
			}
		}
	default:
		return fmt.Errorf("unknown destination type %T for flag %q", o.DestP, o.Flag)
	}
	return nil
}
