package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/allyourbase/jobq/internal/cli/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Command group IDs.
const (
	groupServer = "server"
	groupQueues = "queues"
	groupConfig = "config"
)

var commandGroups = map[string]string{
	"serve":     groupServer,
	"logs":      groupServer,
	"stats":     groupServer,
	"jobs":      groupQueues,
	"queues":    groupQueues,
	"schedules": groupQueues,
	"config":    groupConfig,
	"version":   groupConfig,
}

// initHelp assigns command groups and installs the styled help renderer.
func initHelp() {
	rootCmd.AddGroup(
		&cobra.Group{ID: groupServer, Title: "SERVER"},
		&cobra.Group{ID: groupQueues, Title: "QUEUES & JOBS"},
		&cobra.Group{ID: groupConfig, Title: "CONFIGURATION"},
	)
	for _, cmd := range rootCmd.Commands() {
		if gid, ok := commandGroups[cmd.Name()]; ok {
			cmd.GroupID = gid
		}
	}
	rootCmd.SetHelpFunc(styledHelp)
	rootCmd.SetUsageFunc(func(cmd *cobra.Command) error {
		styledHelp(cmd, nil)
		return nil
	})
}

func styledHelp(cmd *cobra.Command, _ []string) {
	c := colorEnabled()
	w := cmd.ErrOrStderr()

	fmt.Fprintln(w)
	switch {
	case cmd == rootCmd:
		fmt.Fprintf(w, "  %s %s\n\n", ui.BrandMark, boldCyan("jobq", c))
		for _, line := range strings.Split(cmd.Long, "\n") {
			switch {
			case strings.TrimSpace(line) == "":
				fmt.Fprintln(w)
			case strings.HasPrefix(line, "  "):
				fmt.Fprintf(w, "    %s\n", green(strings.TrimSpace(line), c))
			default:
				fmt.Fprintf(w, "  %s\n", dim(line, c))
			}
		}
	case cmd.Long != "":
		for _, line := range strings.Split(cmd.Long, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	default:
		fmt.Fprintf(w, "  %s\n", cmd.Short)
	}
	fmt.Fprintln(w)

	useLine := cmd.UseLine()
	if cmd.HasAvailableSubCommands() {
		useLine = cmd.CommandPath() + " [command]"
	}
	section(w, "USAGE", c, []string{"  " + useLine})

	if cmd.Example != "" {
		var lines []string
		for _, line := range strings.Split(cmd.Example, "\n") {
			if strings.TrimSpace(line) != "" {
				lines = append(lines, "  "+green(strings.TrimSpace(line), c))
			}
		}
		section(w, "EXAMPLES", c, lines)
	}

	printCommands(w, cmd, c)
	printFlags(w, cmd, c)

	if cmd == rootCmd {
		section(w, "ENVIRONMENT", c, []string{
			"  " + green("JOBQ_URL           ", c) + "  " + dim("# admin API base URL for client commands", c),
			"  " + green("JOBQ_ADMIN_TOKEN   ", c) + "  " + dim("# bearer token for the admin API", c),
			"  " + green("JOBQ_ADMIN_PASSWORD", c) + "  " + dim("# exchanged for a token when no token is set", c),
		})
	}
	if cmd.HasAvailableSubCommands() {
		fmt.Fprintf(w, "%s\n\n", dim(fmt.Sprintf("Use \"%s [command] --help\" for more information about a command.", cmd.CommandPath()), c))
	}
}

func section(w io.Writer, title string, c bool, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(w, boldCyan(title, c))
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	fmt.Fprintln(w)
}

func printCommands(w io.Writer, cmd *cobra.Command, c bool) {
	if !cmd.HasAvailableSubCommands() {
		return
	}
	byGroup := make(map[string][]*cobra.Command)
	for _, sub := range cmd.Commands() {
		if sub.IsAvailableCommand() {
			byGroup[sub.GroupID] = append(byGroup[sub.GroupID], sub)
		}
	}
	for _, g := range cmd.Groups() {
		section(w, g.Title, c, commandLines(byGroup[g.ID], c))
	}
	title := "COMMANDS"
	if len(cmd.Groups()) > 0 {
		title = "OTHER"
	}
	section(w, title, c, commandLines(byGroup[""], c))
}

func commandLines(cmds []*cobra.Command, c bool) []string {
	width := 0
	for _, cmd := range cmds {
		width = max(width, len(cmd.Name()))
	}
	lines := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		lines = append(lines, "  "+bold(fmt.Sprintf("%-*s", width+4, cmd.Name()), c)+dim(cmd.Short, c))
	}
	return lines
}

func printFlags(w io.Writer, cmd *cobra.Command, c bool) {
	if cmd == rootCmd {
		section(w, "FLAGS", c, flagLines(cmd.Flags(), c))
		return
	}
	section(w, "FLAGS", c, flagLines(cmd.LocalNonPersistentFlags(), c))
	section(w, "GLOBAL FLAGS", c, flagLines(cmd.InheritedFlags(), c))
}

// flagLines colors pflag's pre-aligned usage lines: the flag part cyan and
// the description dim. pflag separates the two with at least three spaces.
func flagLines(fs *pflag.FlagSet, c bool) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(fs.FlagUsages(), "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !c {
			lines = append(lines, line)
			continue
		}
		trimmed := strings.TrimLeft(line, " ")
		indent := line[:len(line)-len(trimmed)]
		if flag, desc, ok := strings.Cut(trimmed, "   "); ok && strings.TrimSpace(desc) != "" {
			lines = append(lines, indent+cyan(flag, c)+"   "+dim(strings.TrimLeft(desc, " "), c))
		} else {
			lines = append(lines, indent+cyan(trimmed, c))
		}
	}
	return lines
}
