package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/questionspec"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Build, check and show the question spec for the next generation run",
}

var specBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a question spec interactively or from a YAML file",
	Long: `Build a question spec interactively or from a YAML file and keep it for
the next ` + "`ielts generate`" + `.

Examples:
  ielts spec build
  ielts spec build --file travel.yaml --audio`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		audio, _ := cmd.Flags().GetBool("audio")

		return withApp(func(a *app) error {
			var (
				spec questionspec.Spec
				err  error
			)
			if file != "" {
				spec, err = loadSpecFile(file)
				if err == nil && cmd.Flags().Changed("audio") {
					spec.GenerateWithAudio = audio
				}
			} else {
				spec, err = buildInteractive(cmd.Context(), a, audio)
			}
			if err != nil {
				return err
			}
			if err := checkCatalog(cmd.Context(), a, spec); err != nil {
				return err
			}
			if err := questionspec.Save(a.store, spec); err != nil {
				return err
			}
			_, total := spec.Totals()
			printSuccess("Spec saved: theme %s, %d questions", spec.Theme(), total)
			printStep("Run `ielts generate` to create the question set")
			return nil
		})
	},
}

var specValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a YAML spec file without saving it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := loadSpecFile(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			if err := checkCatalog(cmd.Context(), a, spec); err != nil {
				return err
			}
			perPart, total := spec.Totals()
			printSuccess("Valid: theme %s, %d questions", spec.Theme(), total)
			for i, n := range perPart {
				printStatus(fmt.Sprintf("Part %d", i+1), "%d questions in %d block(s)", n, len(spec.Part(i+1).Blocks()))
			}
			return nil
		})
	},
}

var specShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the pending question spec",
	RunE: func(cmd *cobra.Command, args []string) error {
		asYAML, _ := cmd.Flags().GetBool("yaml")
		return withApp(func(a *app) error {
			spec, ok, err := questionspec.Pending(a.store)
			if err != nil {
				return err
			}
			if !ok {
				printWarning("No spec is pending. Run `ielts spec build`.")
				return nil
			}
			if asYAML {
				data, err := questionspec.MarshalYAML(spec)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(spec)
		})
	},
}

func init() {
	specBuildCmd.Flags().String("file", "", "YAML spec file to load instead of prompting")
	specBuildCmd.Flags().Bool("audio", false, "generate audio together with the questions")
	specShowCmd.Flags().Bool("yaml", false, "print as a YAML spec file")
	specCmd.AddCommand(specBuildCmd, specValidateCmd, specShowCmd)
}

func loadSpecFile(path string) (questionspec.Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return questionspec.Spec{}, fmt.Errorf("opening spec file: %w", err)
	}
	defer f.Close()
	return questionspec.LoadYAML(f)
}

// checkCatalog validates spec against the server catalog. An unreachable
// catalog is a warning: the generator remains the final judge.
func checkCatalog(ctx context.Context, a *app, spec questionspec.Spec) error {
	cat, err := a.catalog.Get(ctx)
	if err != nil {
		printWarning("Question catalog unavailable, skipping catalog check: %s", workflow.Describe(workflow.FromRemote("load catalog", err)))
		return nil
	}
	return cat.Validate(spec)
}

func buildInteractive(ctx context.Context, a *app, audio bool) (questionspec.Spec, error) {
	p := a.prompter()
	cat, err := a.catalog.Get(ctx)
	if err != nil {
		printWarning("Question catalog unavailable, answers are not checked: %s", workflow.Describe(workflow.FromRemote("load catalog", err)))
		cat = nil
	}

	b := questionspec.NewBuilder().WithAudio(audio)

	if cat != nil {
		printStatus("Themes", "%s", strings.Join(cat.ThemeNames(), ", "))
	}
	for {
		theme, err := p.Line("Theme", "")
		if err != nil {
			return questionspec.Spec{}, err
		}
		if theme == "" {
			printError("%s", questionspec.MsgNoTheme)
			continue
		}
		if cat != nil {
			if _, ok := cat.Themes[theme]; !ok {
				printError("Unknown theme %q", theme)
				continue
			}
		}
		b.Theme(theme)
		break
	}

	for part := 1; part <= questionspec.NumParts; part++ {
		printStep("Part %d: %d questions in up to %d question types", part, questionspec.QuestionsPerPart, questionspec.MaxTypesPerPart)
		if cat != nil {
			printStatus("Question types", "%s", strings.Join(cat.TypeIDs(part), ", "))
			printStatus("Topics", "%s", strings.Join(cat.Themes[b.Spec().Theme()].Topics, ", "))
		}
		if err := buildPart(p, b, cat, part); err != nil {
			return questionspec.Spec{}, err
		}
	}
	return b.Build()
}

func buildPart(p *prompter, b *questionspec.Builder, cat *questionspec.Catalog, part int) error {
	for b.Remaining(part) > 0 {
		if len(b.Spec().Part(part).Blocks()) == questionspec.MaxTypesPerPart {
			printError("Part %d must have exactly %d questions (currently %d). Starting the part again.",
				part, questionspec.QuestionsPerPart, questionspec.QuestionsPerPart-b.Remaining(part))
			for len(b.Spec().Part(part).Blocks()) > 0 {
				b.Remove(part, 0)
			}
		}

		blk, err := askBlock(p, part, b.Remaining(part))
		if err != nil {
			return err
		}
		if blk.Type == "" || blk.Topic == "" || blk.Questions < 1 {
			printError("Part %d: please complete all question type fields", part)
			continue
		}
		if blk.Questions > b.Remaining(part) {
			printError("Part %d has room for %d more questions", part, b.Remaining(part))
			continue
		}
		if cat != nil {
			if !slices.Contains(cat.TypeIDs(part), blk.Type) {
				printError("Part %d: unknown question type %q", part, blk.Type)
				continue
			}
			if theme := b.Spec().Theme(); !slices.Contains(cat.Themes[theme].Topics, blk.Topic) {
				printError("Part %d: topic %q is not available for theme %q", part, blk.Topic, theme)
				continue
			}
		}
		if err := b.Add(part, blk); err != nil {
			printError("%s", workflow.Describe(err))
		}
	}
	return nil
}

func askBlock(p *prompter, part, remaining int) (questionspec.Block, error) {
	var blk questionspec.Block
	var err error
	if blk.Type, err = p.Line(fmt.Sprintf("Part %d question type", part), ""); err != nil {
		return blk, err
	}
	if blk.Topic, err = p.Line("Topic", ""); err != nil {
		return blk, err
	}
	if blk.Specification, err = p.Line("Specification (optional)", ""); err != nil {
		return blk, err
	}
	count, err := p.Line("Number of questions", strconv.Itoa(remaining))
	if err != nil {
		return blk, err
	}
	blk.Questions, _ = strconv.Atoi(count)
	return blk, nil
}
