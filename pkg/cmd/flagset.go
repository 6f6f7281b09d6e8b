package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.f110.dev/xerrors"
)

type flagTypes interface {
	int | bool | string | []string | time.Duration
}

const (
	flagAnnotationKeyRequired = "cmd_flag_required"
	flagAnnotationKeyEnv      = "cmd_flag_env"
)

// FlagSet holds the typed flags of the command.
// The underlying pflag.FlagSet is built on first use.
type FlagSet struct {
	name          string
	errorHandling pflag.ErrorHandling
	flags         []flag

	set *pflag.FlagSet
}

type flag interface {
	Flag() *pflag.Flag
}

func NewFlagSet(name string, errorHandling pflag.ErrorHandling) *FlagSet {
	return &FlagSet{name: name, errorHandling: errorHandling}
}

func (fs *FlagSet) HasFlags() bool {
	return len(fs.flags) > 0
}

// Copy returns the FlagSet which has the same flags. The flags are shared.
func (fs *FlagSet) Copy() *FlagSet {
	return &FlagSet{
		name:          fs.name,
		errorHandling: fs.errorHandling,
		flags:         append([]flag{}, fs.flags...),
	}
}

func (fs *FlagSet) AddFlagSet(v *FlagSet) {
	fs.flags = append(fs.flags, v.flags...)
}

func (fs *FlagSet) pflagSet() *pflag.FlagSet {
	if fs.set != nil {
		return fs.set
	}

	fs.set = pflag.NewFlagSet(fs.name, fs.errorHandling)
	fs.set.SortFlags = false
	for _, v := range fs.flags {
		f := v.Flag()
		// The flag defined first wins. The flags of the subcommand come before its parents.
		if fs.set.Lookup(f.Name) != nil {
			continue
		}
		if f.Shorthand != "" && fs.set.ShorthandLookup(f.Shorthand) != nil {
			continue
		}
		fs.set.AddFlag(f)
	}
	return fs.set
}

func (fs *FlagSet) Parse(args []string) error {
	set := fs.pflagSet()
	if err := set.Parse(args); err != nil {
		return err
	}

	var missing []string
	for _, v := range fs.flags {
		f := v.Flag()
		if set.Lookup(f.Name) != f {
			continue
		}
		if !f.Changed {
			if err := fs.setFromEnv(f); err != nil {
				return err
			}
		}
		if isRequiredFlag(f) && !f.Changed {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return xerrors.NewfWithStack("required flags %q not set", strings.Join(missing, ", "))
	}

	return nil
}

func (fs *FlagSet) setFromEnv(f *pflag.Flag) error {
	name := envName(f)
	if name == "" {
		return nil
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	if err := fs.set.Set(f.Name, val); err != nil {
		return xerrors.WithMessagef(err, "invalid value of $%s", name)
	}
	return nil
}

func (fs *FlagSet) Args() []string {
	return fs.pflagSet().Args()
}

func (fs *FlagSet) Usage() string {
	return strings.TrimRight(fs.pflagSet().FlagUsagesWrapped(80), "\n")
}

// OnelineUsage returns the short form of all flags.
// The lines after the first one are indented by leftPadding.
func (fs *FlagSet) OnelineUsage(leftPadding, wrap int) string {
	var lines []string
	var line strings.Builder
	fs.pflagSet().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}

		u := "--" + f.Name
		if f.Shorthand != "" {
			u = "-" + f.Shorthand + " | " + u
		}
		if !isRequiredFlag(f) {
			u = "[" + u + "]"
		}

		if line.Len() > 0 && line.Len()+len(u) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(u)
	})
	lines = append(lines, line.String())

	return strings.Join(lines, "\n"+strings.Repeat(" ", leftPadding))
}

func (fs *FlagSet) String(name, usage string) *Flag[string] {
	return addFlag(fs, name, usage, "string",
		func(_ string, in string) (string, error) {
			return in, nil
		},
		func(s string) string {
			return s
		},
	)
}

// StringArray can be given multiple times. A value given in the arguments replaces the default.
func (fs *FlagSet) StringArray(name, usage string) *Flag[[]string] {
	f := addFlag(fs, name, usage, "stringArray",
		func(cur []string, in string) ([]string, error) {
			if in == "" {
				return cur, nil
			}
			return append(cur, in), nil
		},
		func(s []string) string {
			return "[" + strings.Join(s, ",") + "]"
		},
	)
	f.value.accumulate = true
	return f
}

func (fs *FlagSet) Int(name, usage string) *Flag[int] {
	return addFlag(fs, name, usage, "int",
		func(_ int, in string) (int, error) {
			v, err := strconv.ParseInt(in, 0, 0)
			if err != nil {
				return 0, xerrors.WithStack(err)
			}
			return int(v), nil
		},
		strconv.Itoa,
	)
}

func (fs *FlagSet) Bool(name, usage string) *Flag[bool] {
	f := addFlag(fs, name, usage, "bool",
		func(_ bool, in string) (bool, error) {
			v, err := strconv.ParseBool(in)
			if err != nil {
				return false, xerrors.WithStack(err)
			}
			return v, nil
		},
		strconv.FormatBool,
	)
	f.flag.NoOptDefVal = "true"
	return f
}

func (fs *FlagSet) Duration(name, usage string) *Flag[time.Duration] {
	return addFlag(fs, name, usage, "duration",
		func(_ time.Duration, in string) (time.Duration, error) {
			v, err := time.ParseDuration(in)
			if err != nil {
				return 0, xerrors.WithStack(err)
			}
			return v, nil
		},
		time.Duration.String,
	)
}

func addFlag[T flagTypes](fs *FlagSet, name, usage, typeName string, set func(T, string) (T, error), format func(T) string) *Flag[T] {
	v := &flagValue[T]{p: new(T), typeName: typeName, set: set, format: format}
	f := &Flag[T]{
		flag: &pflag.Flag{
			Name:     name,
			Usage:    usage,
			Value:    v,
			DefValue: v.String(),
		},
		value: v,
	}
	fs.flags = append(fs.flags, f)
	return f
}

type Flag[T flagTypes] struct {
	flag  *pflag.Flag
	value *flagValue[T]
}

// Var binds the flag to p. p receives the default value immediately.
func (f *Flag[T]) Var(p *T) *Flag[T] {
	*p = *f.value.p
	f.value.p = p
	return f
}

func (f *Flag[T]) Shorthand(p string) *Flag[T] {
	f.flag.Shorthand = p
	return f
}

func (f *Flag[T]) Required() *Flag[T] {
	annotate(f.flag, flagAnnotationKeyRequired, "true")
	return f
}

// Env makes the flag read the environment variable when the flag is not given.
func (f *Flag[T]) Env(name string) *Flag[T] {
	annotate(f.flag, flagAnnotationKeyEnv, name)
	f.flag.Usage = fmt.Sprintf("%s [$%s]", f.flag.Usage, name)
	return f
}

func (f *Flag[T]) Default(v T) *Flag[T] {
	*f.value.p = v
	f.flag.DefValue = f.value.String()
	return f
}

func (f *Flag[_]) Value() string {
	return f.flag.Value.String()
}

func (f *Flag[_]) Flag() *pflag.Flag {
	return f.flag
}

func annotate(f *pflag.Flag, key, value string) {
	if f.Annotations == nil {
		f.Annotations = make(map[string][]string)
	}
	f.Annotations[key] = []string{value}
}

func isRequiredFlag(f *pflag.Flag) bool {
	_, ok := f.Annotations[flagAnnotationKeyRequired]
	return ok
}

func envName(f *pflag.Flag) string {
	if v := f.Annotations[flagAnnotationKeyEnv]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// flagValue implements pflag.Value.
type flagValue[T flagTypes] struct {
	p        *T
	typeName string
	set      func(T, string) (T, error)
	format   func(T) string

	accumulate bool
	changed    bool
}

func (v *flagValue[T]) String() string {
	return v.format(*v.p)
}

func (v *flagValue[T]) Set(in string) error {
	cur := *v.p
	if v.accumulate && !v.changed {
		var zero T
		cur = zero
	}
	n, err := v.set(cur, in)
	if err != nil {
		return err
	}
	*v.p = n
	v.changed = true
	return nil
}

func (v *flagValue[T]) Type() string {
	return v.typeName
}
