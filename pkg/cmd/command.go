package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/template"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/pflag"
	"go.f110.dev/xerrors"
)

type Command struct {
	Use     string
	Short   string
	Long    string
	Aliases []string
	// Args validates the positional arguments before Run is called.
	Args func(args []string) error
	Run  func(ctx context.Context, cmd *Command, args []string) error

	flags    *FlagSet
	parent   *Command
	commands []*Command
	executed bool
}

// path returns the command names from the root command.
func (c *Command) path() string {
	names := []string{c.Use}
	for p := c.parent; p != nil; p = p.parent {
		names = append([]string{p.Use}, names...)
	}
	return strings.Join(names, " ")
}

// inheritedFlags returns the flags of all ancestors. The nearest ancestor comes first.
func (c *Command) inheritedFlags() *FlagSet {
	fs := NewFlagSet("", pflag.ContinueOnError)
	for p := c.parent; p != nil; p = p.parent {
		fs.AddFlagSet(p.Flags())
	}
	return fs
}

func (c *Command) Usage() string {
	width := 0
	for _, v := range c.commands {
		width = max(width, len(v.Name()))
	}
	name := c.path()

	buf := new(bytes.Buffer)
	err := usageTmpl.Execute(buf, struct {
		Name              string
		Flags             *FlagSet
		OnelineFlagUsage  string
		Commands          []*Command
		CommandNameLength int
		GlobalFlags       *FlagSet
	}{
		Name:              name,
		Flags:             c.Flags(),
		OnelineFlagUsage:  c.Flags().OnelineUsage(len("Usage: ")+len(name)+1, 80),
		Commands:          c.commands,
		CommandNameLength: width + 3,
		GlobalFlags:       c.inheritedFlags(),
	})
	if err != nil {
		panic(err)
	}

	return buf.String()
}

func (c *Command) Execute(args []string) error {
	if c.executed {
		return xerrors.NewWithStack("already executed")
	}

	c.executed = true
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	cmd, nArgs := c.findCommand(args)
	if cmd != nil {
		return cmd.runCommand(ctx, nArgs)
	}
	return c.runCommand(ctx, args)
}

func (c *Command) runCommand(ctx context.Context, args []string) error {
	fs := c.Flags().Copy()
	fs.AddFlagSet(c.inheritedFlags())
	help := false
	fs.Bool("help", "Show help").Shorthand("h").Var(&help)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if help {
		c.printUsage()
		return nil
	}

	if c.Run == nil {
		c.printUsage()
		return xerrors.NewWithStack("command not found")
	}
	if c.Args != nil {
		if err := c.Args(fs.Args()); err != nil {
			c.printUsage()
			return err
		}
	}
	return c.Run(ctx, c, fs.Args())
}

// ExactArgs requires n positional arguments.
func ExactArgs(n int) func([]string) error {
	return func(args []string) error {
		if len(args) != n {
			return xerrors.NewfWithStack("accepts %d arg(s), received %d", n, len(args))
		}
		return nil
	}
}

// RangeArgs requires between min and max positional arguments.
func RangeArgs(min, max int) func([]string) error {
	return func(args []string) error {
		if len(args) < min || len(args) > max {
			return xerrors.NewfWithStack("accepts between %d and %d arg(s), received %d", min, max, len(args))
		}
		return nil
	}
}

func (c *Command) printUsage() {
	_, _ = fmt.Fprint(os.Stderr, c.Usage())
}

func (c *Command) Flags() *FlagSet {
	if c.flags == nil {
		c.flags = NewFlagSet("", pflag.ContinueOnError)
	}

	return c.flags
}

func (c *Command) AddCommand(cmd *Command) {
	cmd.parent = c
	c.commands = append(c.commands, cmd)
}

func (c *Command) Name() string {
	s, err := shellwords.Parse(c.Use)
	if err != nil {
		return c.Use
	}
	if len(s) > 0 {
		return s[0]
	}

	return c.Use
}

func (c *Command) hasName(name string) bool {
	if c.Name() == name {
		return true
	}
	for _, v := range c.Aliases {
		if v == name {
			return true
		}
	}

	return false
}

// isBoolFlag reports whether arg is the flag which doesn't take the value.
func (c *Command) isBoolFlag(arg string) bool {
	name := strings.TrimLeft(arg, "-")
	for cmd := c; cmd != nil; cmd = cmd.parent {
		for _, f := range cmd.Flags().flags {
			flag := f.Flag()
			if flag.Name != name && (flag.Shorthand == "" || flag.Shorthand != name) {
				continue
			}
			return flag.NoOptDefVal != ""
		}
	}

	return false
}

func (c *Command) findCommand(args []string) (*Command, []string) {
	const (
		stateInit = iota
		stateValue
	)

	var nArgs []string
	state := stateInit
	for i, v := range args {
		if len(v) == 0 {
			continue
		}

		switch state {
		case stateInit:
			if v[0] == '-' {
				if !strings.Contains(v, "=") && !c.isBoolFlag(v) {
					state = stateValue
				}
				nArgs = append(nArgs, v)
				continue
			}
		case stateValue:
			state = stateInit
			nArgs = append(nArgs, v)
			continue
		}

		for _, cmd := range c.commands {
			if cmd.hasName(v) {
				return cmd.findCommand(append(nArgs, args[i+1:]...))
			}
		}
		// Positional argument
		nArgs = append(nArgs, v)
	}

	return c, nArgs
}

var usageTmpl = template.Must(
	template.New("").
		Funcs(
			map[string]interface{}{
				"left": func(width int, val string) string {
					return fmt.Sprintf("%-"+strconv.Itoa(width)+"s", val)
				},
			},
		).
		Parse(`Usage: {{ .Name }}{{ if .Flags.HasFlags }} {{ .OnelineFlagUsage }}{{ end }}{{ if .Commands }} <command>{{ end }} [<args>]
{{- if .Commands }}

Available Commands:
{{- range .Commands }}
  {{ left $.CommandNameLength .Name }}{{ .Short }}
{{- end }}
{{- end }}
{{- if .Flags.HasFlags }}

Options:
{{ .Flags.Usage }}
{{- end }}
{{- if .GlobalFlags.HasFlags }}

Global Options:
{{ .GlobalFlags.Usage }}
{{- end }}
`))
