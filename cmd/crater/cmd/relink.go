/*
Copyright © 2024 crater-build

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crater-build/crater/internal/config"
	"github.com/crater-build/crater/internal/globset"
	"github.com/crater-build/crater/internal/platform"
	"github.com/crater-build/crater/internal/tools"
	"github.com/crater-build/crater/pkg/relink"
)

func init() {
	rootCmd.AddCommand(relinkCmd)
	relinkCmd.Flags().StringP("platform", "p", "", "Target platform (e.g. linux-64, osx-arm64, win-64)")
	relinkCmd.Flags().String("encoded-prefix", "", "Placeholder prefix baked into the binaries at build time")
	relinkCmd.Flags().String("prefix", "", "Prefix the staged tree will be resolved against (default: DIR)")
	relinkCmd.Flags().StringSlice("rpath", nil, "Extra rpath entry to append (may contain $ORIGIN/@loader_path)")
	relinkCmd.Flags().StringSlice("allow-rpath", nil, "Glob for absolute rpath entries allowed to survive")
	relinkCmd.Flags().StringSlice("binary-glob", nil, "Glob selecting which staged files are eligible")
	relinkCmd.Flags().StringSlice("tool-prefix", nil, "Toolchain prefix searched for patchelf/install_name_tool/codesign")
	relinkCmd.Flags().Int("workers", 0, "Number of files to process concurrently (0 = GOMAXPROCS)")
	relinkCmd.Flags().Bool("dry-run", false, "Log tool invocations instead of running them")
	relinkCmd.Flags().BoolP("yes", "y", false, "Do not ask before rewriting binaries")
	relinkCmd.MarkFlagRequired("platform")
	relinkCmd.MarkFlagRequired("encoded-prefix")
	viper.BindPFlag("relink.platform", relinkCmd.Flags().Lookup("platform"))
	viper.BindPFlag("relink.encoded-prefix", relinkCmd.Flags().Lookup("encoded-prefix"))
	viper.BindPFlag("relink.prefix", relinkCmd.Flags().Lookup("prefix"))
	viper.BindPFlag("relink.rpath", relinkCmd.Flags().Lookup("rpath"))
	viper.BindPFlag("relink.allow-rpath", relinkCmd.Flags().Lookup("allow-rpath"))
	viper.BindPFlag("relink.binary-glob", relinkCmd.Flags().Lookup("binary-glob"))
	viper.BindPFlag("relink.tool-prefix", relinkCmd.Flags().Lookup("tool-prefix"))
	viper.BindPFlag("relink.workers", relinkCmd.Flags().Lookup("workers"))
	viper.BindPFlag("relink.dry-run", relinkCmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("relink.yes", relinkCmd.Flags().Lookup("yes"))
}

// dryRunner logs the tool invocations the pass would perform.
type dryRunner struct{}

func (dryRunner) Run(_ context.Context, tool tools.Tool, args ...string) error {
	log.Infof("[dry-run] %s %s", tool, strings.Join(args, " "))
	return nil
}

// logChecker stands in for the linking-check collaborator of the surrounding
// build tool and just reports the outcome set.
type logChecker struct{}

func (logChecker) CheckLinking(_ context.Context, binaries []string, prefix string) error {
	for _, bin := range binaries {
		log.Debugf("relinked %s", bin)
	}
	log.Infof("relocated %d binaries under %s", len(binaries), prefix)
	return nil
}

// classifyContents walks the staged tree and classifies every regular file,
// standing in for the build tool's content sniffer.
func classifyContents(dir string) (map[string]relink.ContentType, error) {
	contents := make(map[string]relink.ContentType)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			contents[path] = relink.ContentUnknown
			return nil
		}
		mtype, err := mimetype.DetectFile(path)
		if err != nil {
			return fmt.Errorf("failed to sniff %s: %w", path, err)
		}
		contents[path] = relink.ContentBinary
		for m := mtype; m != nil; m = m.Parent() {
			if m.Is("text/plain") {
				contents[path] = relink.ContentText
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contents, nil
}

// relinkCmd represents the relink command
var relinkCmd = &cobra.Command{
	Use:           "relink <DIR>",
	Short:         "Rewrite rpaths in a staged build tree to be relocatable",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		stagingDir, err := filepath.Abs(filepath.Clean(args[0]))
		if err != nil {
			return err
		}

		target, err := platform.Parse(viper.GetString("relink.platform"))
		if err != nil {
			return err
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		prefix := viper.GetString("relink.prefix")
		if prefix == "" {
			prefix = stagingDir
		}

		binaryGlobs := append(conf.Relocation.BinaryGlobs, viper.GetStringSlice("relink.binary-glob")...)
		paths, err := globset.Compile(binaryGlobs...)
		if err != nil {
			return err
		}
		allowGlobs := append(conf.Relocation.Allowlist, viper.GetStringSlice("relink.allow-rpath")...)
		allowlist, err := globset.Compile(allowGlobs...)
		if err != nil {
			return err
		}
		rpaths := append(conf.Relocation.Rpaths, viper.GetStringSlice("relink.rpath")...)

		contents, err := classifyContents(stagingDir)
		if err != nil {
			return err
		}

		dryRun := viper.GetBool("relink.dry-run")
		if !dryRun && !viper.GetBool("relink.yes") {
			yes := false
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("Rewrite binaries under %s in place?", stagingDir),
			}
			if err := survey.AskOne(prompt, &yes); err == terminal.InterruptErr {
				log.Warn("Exiting...")
				return nil
			} else if err != nil {
				return err
			}
			if !yes {
				return nil
			}
		}

		var runner tools.Runner = dryRunner{}
		if !dryRun {
			runner = tools.NewExec(append(conf.Tools.Prefixes, viper.GetStringSlice("relink.tool-prefix")...)...)
		}

		binaries, err := relink.Relink(cmd.Context(), relink.Options{
			Platform:      target,
			Prefix:        prefix,
			EncodedPrefix: viper.GetString("relink.encoded-prefix"),
			Contents:      contents,
			Relocation: relink.Config{
				Enabled:   !conf.Relocation.Disabled,
				Paths:     paths,
				Rpaths:    rpaths,
				Allowlist: allowlist,
			},
			Tools:   runner,
			Checker: logChecker{},
			Workers: viper.GetInt("relink.workers"),
		})
		if err != nil {
			return errors.Wrapf(err, "failed to relink %s", stagingDir)
		}

		bold := color.New(color.Bold).SprintFunc()
		for _, bin := range binaries {
			rel, err := filepath.Rel(stagingDir, bin)
			if err != nil {
				rel = bin
			}
			fmt.Println("  ", bold(rel))
		}

		return nil
	},
}
