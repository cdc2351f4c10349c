package cli

import (
	"fmt"
	"strings"

	"github.com/davarch/buildcast/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <owner/name>",
	Short: "Watch a repository (adds or enables it in config.yaml)",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), repositoryArg),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleRepository(args[0], true)
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <owner/name>",
	Short: "Stop watching a repository (disables it in config.yaml)",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), repositoryArg),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleRepository(args[0], false)
	},
}

func init() {
	subscribeCmd.ValidArgsFunction = completeRepositories
	unsubscribeCmd.ValidArgsFunction = completeRepositories

	rootCmd.AddCommand(subscribeCmd, unsubscribeCmd)
}

func repositoryArg(cmd *cobra.Command, args []string) error {
	owner, name, ok := strings.Cut(args[0], "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("repository %q is not in owner/name form", args[0])
	}
	return nil
}

func toggleRepository(name string, enabled bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if !setRepository(&cfg, name, enabled) {
		fmt.Printf("no change (%s already %s)\n", name, stateWord(enabled))
		return nil
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", stateWord(enabled), name)
	return nil
}

// setRepository reports whether cfg changed. Unknown repositories are
// appended when enabling and left alone when disabling.
func setRepository(cfg *config.Config, name string, enabled bool) bool {
	changed, found := false, false
	for i := range cfg.Client.Repositories {
		r := &cfg.Client.Repositories[i]
		if r.Name != name {
			continue
		}
		found = true
		if r.Enabled != enabled {
			r.Enabled = enabled
			changed = true
		}
	}

	if !found && enabled {
		cfg.Client.Repositories = append(cfg.Client.Repositories, config.Repository{Name: name, Enabled: true})
		changed = true
	}
	return changed
}

func stateWord(enabled bool) string {
	if enabled {
		return "subscribed"
	}
	return "unsubscribed"
}

func completeRepositories(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(cfg.Client.Repositories))
	for _, r := range cfg.Client.Repositories {
		if r.Name != "" && strings.HasPrefix(r.Name, toComplete) {
			out = append(out, r.Name)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}
