// Package cli parses GNU-style command lines with -F/-W flag groups and
// renders help pages sized to the terminal.
package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/term"
)

const indentUnit = 4

func indentAt(level int) string { return strings.Repeat(" ", indentUnit*level) }

type Value interface {
	String() string
	Set(string) error
}

type stringValue struct{ p *string }

func (v *stringValue) Set(s string) error { *v.p = s; return nil }
func (v *stringValue) String() string     { return *v.p }

type boolValue struct{ p *bool }

func (v *boolValue) Set(s string) error {
	val, err := strconv.ParseBool(s)
	if err != nil && s != "" { return fmt.Errorf("invalid boolean value '%s': %w", s, err) }
	*v.p = val || s == ""
	return nil
}
func (v *boolValue) String() string { return strconv.FormatBool(*v.p) }

type listValue struct{ p *[]string }

func (v *listValue) Set(s string) error { *v.p = append(*v.p, s); return nil }
func (v *listValue) String() string     { return strings.Join(*v.p, ", ") }

type Flag struct {
	Name         string
	Shorthand    string
	Usage        string
	Value        Value
	DefValue     string
	ExpectedType string
}

func (f *Flag) isBool() bool {
	_, ok := f.Value.(*boolValue)
	return ok
}

// FlagGroup is a family of -<prefix><name> / -<prefix>no-<name> switches.
type FlagGroup struct {
	Name      string
	GroupType string
	Header    string
	Flags     []FlagGroupEntry
}

type FlagGroupEntry struct {
	Name     string
	Prefix   string
	Usage    string
	Enabled  *bool
	Disabled *bool
}

type FlagSet struct {
	name       string
	flags      map[string]*Flag
	shorthands map[string]*Flag
	args       []string
	groups     []FlagGroup
	visited    []string
}

func NewFlagSet(name string) *FlagSet {
	return &FlagSet{name: name, flags: make(map[string]*Flag), shorthands: make(map[string]*Flag)}
}

func (f *FlagSet) Args() []string { return f.args }

// Visit calls fn with the name of every flag set on the command line, in
// the order they appeared.
func (f *FlagSet) Visit(fn func(name string)) {
	for _, name := range f.visited {
		fn(name)
	}
}

func (f *FlagSet) Lookup(name string) *Flag { return f.flags[name] }

func (f *FlagSet) String(p *string, name, shorthand, value, usage, expectedType string) {
	*p = value
	f.Var(&stringValue{p}, name, shorthand, usage, value, expectedType)
}

func (f *FlagSet) Bool(p *bool, name, shorthand string, value bool, usage string) {
	*p = value
	f.Var(&boolValue{p}, name, shorthand, usage, strconv.FormatBool(value), "")
}

func (f *FlagSet) List(p *[]string, name, shorthand string, value []string, usage, expectedType string) {
	*p = value
	f.Var(&listValue{p}, name, shorthand, usage, fmt.Sprintf("%v", value), expectedType)
}

func (f *FlagSet) Var(value Value, name, shorthand, usage, defValue, expectedType string) {
	if name == "" { panic("flag name cannot be empty") }
	if _, ok := f.flags[name]; ok { panic(fmt.Sprintf("flag redefined: %s", name)) }
	flag := &Flag{Name: name, Shorthand: shorthand, Usage: usage, Value: value, DefValue: defValue, ExpectedType: expectedType}
	f.flags[name] = flag
	if shorthand != "" {
		if _, ok := f.shorthands[shorthand]; ok { panic(fmt.Sprintf("shorthand flag redefined: %s", shorthand)) }
		f.shorthands[shorthand] = flag
	}
}

// AddFlagGroup defines the enable and disable switch of every entry.
func (f *FlagSet) AddFlagGroup(name, groupType, header string, entries []FlagGroupEntry) {
	for i := range entries {
		e := &entries[i]
		if e.Enabled != nil { f.Bool(e.Enabled, e.Prefix+e.Name, "", *e.Enabled, e.Usage) }
		if e.Disabled != nil { f.Bool(e.Disabled, e.Prefix+"no-"+e.Name, "", *e.Disabled, "Disable '"+e.Name+"'") }
	}
	f.groups = append(f.groups, FlagGroup{Name: name, GroupType: groupType, Header: header, Flags: entries})
}

func (f *FlagSet) set(flag *Flag, value string) error {
	if err := flag.Value.Set(value); err != nil { return fmt.Errorf("flag %s: %w", flag.Name, err) }
	f.visited = append(f.visited, flag.Name)
	return nil
}

// Parse accepts -name, -name=value, --name value, --name=value, -x value
// and -xvalue.
func (f *FlagSet) Parse(arguments []string) error {
	f.args, f.visited = nil, nil
	for i := 0; i < len(arguments); i++ {
		arg := arguments[i]
		if len(arg) < 2 || arg[0] != '-' {
			f.args = append(f.args, arg)
			continue
		}
		if arg == "--" {
			f.args = append(f.args, arguments[i+1:]...)
			break
		}
		body := strings.TrimPrefix(strings.TrimPrefix(arg, "-"), "-")
		name, value, hasValue := strings.Cut(body, "=")
		if name == "" { return fmt.Errorf("empty flag name") }

		flag, ok := f.flags[name]
		if !ok && !strings.HasPrefix(arg, "--") {
			flag, ok = f.shorthands[arg[1:2]]
			if ok && !flag.isBool() && len(arg) > 2 {
				value, hasValue = strings.TrimPrefix(arg[2:], "="), true
			}
		}
		if !ok { return fmt.Errorf("unknown flag: %s", arg) }

		switch {
		case hasValue:
		case flag.isBool():
			value = ""
		case i+1 < len(arguments):
			i++
			value = arguments[i]
		default:
			return fmt.Errorf("flag needs an argument: %s", arg)
		}
		if err := f.set(flag, value); err != nil { return err }
	}
	return nil
}

type App struct {
	Name        string
	Synopsis    string
	Description string
	Authors     []string
	Repository  string
	FlagSet     *FlagSet
	Action      func(args []string) error
	Stdout      io.Writer
	Stderr      io.Writer
}

func NewApp(name string) *App {
	return &App{Name: name, FlagSet: NewFlagSet(name), Stdout: os.Stdout, Stderr: os.Stderr}
}

func (a *App) Run(arguments []string) error {
	help := false
	if f := a.FlagSet.Lookup("help"); f != nil {
		f.Value = &boolValue{&help}
	} else {
		a.FlagSet.Bool(&help, "help", "h", false, "Display this information")
	}
	if err := a.FlagSet.Parse(arguments); err != nil {
		fmt.Fprintln(a.Stderr, err)
		fmt.Fprintf(a.Stderr, "Run '%s --help' for all available options and flags.\n", a.Name)
		return err
	}
	if help {
		a.WriteHelp(a.Stdout)
		return nil
	}
	if a.Action != nil { return a.Action(a.FlagSet.Args()) }
	return nil
}

func (a *App) optionFlags() []*Flag {
	grouped := map[string]bool{}
	for _, g := range a.FlagSet.groups {
		for _, e := range g.Flags {
			grouped[e.Prefix+e.Name], grouped[e.Prefix+"no-"+e.Name] = true, true
		}
	}
	var out []*Flag
	for name, flag := range a.FlagSet.flags {
		if !grouped[name] { out = append(out, flag) }
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func flagString(flag *Flag) string {
	var sb strings.Builder
	if flag.Shorthand != "" {
		fmt.Fprintf(&sb, "-%s, ", flag.Shorthand)
	}
	fmt.Fprintf(&sb, "--%s", flag.Name)
	if !flag.isBool() && flag.ExpectedType != "" { fmt.Fprintf(&sb, " <%s>", flag.ExpectedType) }
	return sb.String()
}

// WriteHelp renders the full help page, wrapping usage text to the width of
// the terminal.
func (a *App) WriteHelp(w io.Writer) {
	var sb strings.Builder
	width := terminalWidth()
	opts := a.optionFlags()

	left := 0
	for _, flag := range opts {
		left = max(left, len(flagString(flag)))
	}
	for _, g := range a.FlagSet.groups {
		left = max(left, len(fmt.Sprintf("-%sno-<%s>", g.Flags[0].Prefix, g.GroupType)))
		for _, e := range g.Flags {
			left = max(left, len(e.Name))
		}
	}
	entry := func(l, usage, right string) {
		avail := max(width-len(indentAt(2))-left-len(right)-3, 10)
		lines := wrapText(usage, avail)
		first := ""
		if len(lines) > 0 { first = lines[0] }
		if right != "" {
			fmt.Fprintf(&sb, "%s%-*s %-*s  %s\n", indentAt(2), left, l, avail, first, right)
		} else {
			fmt.Fprintf(&sb, "%s%-*s %s\n", indentAt(2), left, l, first)
		}
		for _, line := range lines[min(1, len(lines)):] {
			fmt.Fprintf(&sb, "%s%s %s\n", indentAt(2), strings.Repeat(" ", left), line)
		}
	}

	if len(a.Authors) > 0 { fmt.Fprintf(&sb, "\n%sCopyright (c): %s and contributors\n", indentAt(1), strings.Join(a.Authors, ", ")) }
	if a.Repository != "" { fmt.Fprintf(&sb, "%sFor more details refer to %s\n", indentAt(1), a.Repository) }
	if a.Synopsis != "" { fmt.Fprintf(&sb, "\n%sSynopsis\n%s%s %s\n", indentAt(1), indentAt(2), a.Name, a.Synopsis) }
	if a.Description != "" {
		fmt.Fprintf(&sb, "\n%sDescription\n", indentAt(1))
		for _, line := range wrapText(a.Description, width-len(indentAt(2))) {
			fmt.Fprintf(&sb, "%s%s\n", indentAt(2), line)
		}
	}
	if len(opts) > 0 {
		fmt.Fprintf(&sb, "\n%sOptions\n", indentAt(1))
		for _, flag := range opts {
			right := ""
			if !flag.isBool() && flag.DefValue != "" && flag.DefValue != "[]" { right = "|" + flag.DefValue + "|" }
			entry(flagString(flag), flag.Usage, right)
		}
	}
	for _, g := range a.FlagSet.groups {
		prefix := g.Flags[0].Prefix
		fmt.Fprintf(&sb, "\n%s%s\n", indentAt(1), g.Name)
		entry(fmt.Sprintf("-%s<%s>", prefix, g.GroupType), "Enable a specific "+g.GroupType, "")
		entry(fmt.Sprintf("-%sno-<%s>", prefix, g.GroupType), "Disable a specific "+g.GroupType, "")
		if g.Header != "" { fmt.Fprintf(&sb, "%s%s\n", indentAt(1), g.Header) }
		entries := append([]FlagGroupEntry(nil), g.Flags...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		for _, e := range entries {
			mark := "|-|"
			if e.Enabled != nil && *e.Enabled && (e.Disabled == nil || !*e.Disabled) { mark = "|x|" }
			entry(e.Name, e.Usage, mark)
		}
	}
	fmt.Fprint(w, sb.String())
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil { return 80 }
	return max(width, 20)
}

func wrapText(text string, maxWidth int) []string {
	words := strings.Fields(text)
	if maxWidth <= 0 || len(words) == 0 { return words }
	var lines []string
	var line strings.Builder
	for _, word := range words {
		if line.Len() > 0 && line.Len()+1+len(word) > maxWidth {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 { line.WriteByte(' ') }
		line.WriteString(word)
	}
	if line.Len() > 0 { lines = append(lines, line.String()) }
	return lines
}
